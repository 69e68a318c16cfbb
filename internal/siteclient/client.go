package siteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/site-dispatcher/internal/models"
)

const (
	resourceStatusPath = "/resource-status"
	metricsPath        = "/metrics"
	deployPath         = "/deploy"
	stopPath           = "/stop"

	maxBodySize = 1 << 20
)

type Settings struct {
	Timeout      time.Duration
	StopAttempts uint
	RetryDelay   time.Duration
	UserAgent    string
}

// Client talks to site agents. It keeps no per-site state.
type Client struct {
	client       *http.Client
	timeout      time.Duration
	stopAttempts uint
	retryDelay   time.Duration
	userAgent    string
}

func New(settings Settings) *Client {
	if settings.Timeout == 0 {
		settings.Timeout = 3 * time.Second
	}
	if settings.StopAttempts == 0 {
		settings.StopAttempts = 3
	}
	if settings.RetryDelay == 0 {
		settings.RetryDelay = 100 * time.Millisecond
	}
	if settings.UserAgent == "" {
		settings.UserAgent = "site-dispatcher"
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	transport.ResponseHeaderTimeout = settings.Timeout

	return &Client{
		client:       &http.Client{Transport: transport},
		timeout:      settings.Timeout,
		stopAttempts: settings.StopAttempts,
		retryDelay:   settings.RetryDelay,
		userAgent:    settings.UserAgent,
	}
}

// CheckHealth never fails: any problem with the agent is reported as a down status.
func (c *Client) CheckHealth(ctx context.Context, site models.Site) models.SiteStatus {
	status := models.SiteStatus{}
	resp := resourceStatusResponse{}
	_, err := c.do(ctx, site, "health", http.MethodGet, resourceStatusPath, nil, &resp)
	if err != nil {
		log.Debug().Err(err).Msgf("[siteclient]: site %s is down", site.ID)
		return models.DownStatus(site.ID, time.Now(), err)
	}
	if !resp.Success || resp.Resource == nil {
		msg := resp.Message
		if msg == "" {
			msg = "resource status reported no success"
		}
		return models.DownStatus(site.ID, time.Now(), &models.RemoteBusinessError{SiteID: site.ID, StatusCode: http.StatusOK, Message: msg})
	}

	usage := &models.Usage{
		ResourceTotal: float64(resp.Resource.Total),
		ResourceUsed:  float64(resp.Resource.Used),
		UsageRate:     float64(resp.Resource.UsageRate),
		CostFactor:    site.PricePerUnit,
	}
	if usage.UsageRate == 0 && usage.ResourceTotal > 0 {
		usage.UsageRate = usage.ResourceUsed / usage.ResourceTotal
	}
	if resp.ResourcePerCost > 0 {
		usage.CostFactor = 1 / float64(resp.ResourcePerCost)
	}

	instances, err := c.Metrics(ctx, site)
	if err != nil {
		log.Warn().Err(err).Msgf("[siteclient]: failed to fetch metrics of healthy site %s", site.ID)
	}
	applyInstances(usage, instances)
	usage.Instances = instances

	status.SiteID = site.ID
	status.Health = models.Healthy
	status.ObservedAt = time.Now()
	status.Usage = usage
	return status
}

func applyInstances(usage *models.Usage, instances []models.InstanceMetric) {
	for i, inst := range instances {
		usage.InstanceCount += inst.Gas
		delay := inst.Delay
		if i == 0 {
			minDelay, maxDelay := delay, delay
			usage.LatencyMinMs, usage.LatencyMaxMs = &minDelay, &maxDelay
			continue
		}
		if delay < *usage.LatencyMinMs {
			*usage.LatencyMinMs = delay
		}
		if delay > *usage.LatencyMaxMs {
			*usage.LatencyMaxMs = delay
		}
	}
}

func (c *Client) Metrics(ctx context.Context, site models.Site) ([]models.InstanceMetric, error) {
	resp := metricsResponse{}
	_, err := c.do(ctx, site, "metrics", http.MethodGet, metricsPath, nil, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &models.RemoteBusinessError{SiteID: site.ID, StatusCode: http.StatusOK, Message: resp.Message}
	}
	result := make([]models.InstanceMetric, 0, len(resp.Metrics))
	for _, m := range resp.Metrics {
		result = append(result, m.toModel())
	}
	return result, nil
}

// Deploy is sent exactly once: a deploy is not idempotent on the agent side.
func (c *Client) Deploy(ctx context.Context, site models.Site, req models.DeploymentRequest) models.DeploymentResult {
	result := models.DeploymentResult{
		Request:   req,
		RequestID: req.RequestID,
		SiteID:    site.ID,
	}
	body := deployRequest{
		ServiceID:     req.ServiceID,
		Gas:           req.InstanceCount,
		InstanceCount: req.InstanceCount,
		RequestID:     req.RequestID,
	}
	resp := deployResponse{}
	_, err := c.do(ctx, site, "deploy", http.MethodPost, deployPath, body, &resp)
	result.CompletedAt = time.Now()
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	if !resp.Success {
		result.ErrorMessage = (&models.RemoteBusinessError{SiteID: site.ID, StatusCode: http.StatusOK, Message: resp.Message}).Error()
		return result
	}
	if resp.Info == nil {
		result.ErrorMessage = "site agent reported success without deployment info"
		return result
	}
	result.Success = true
	result.RemoteIdentifier = resp.Info.CSCIID
	result.Cost = int(resp.Info.Cost)
	result.DelayMs = int(resp.Info.Delay)
	return result
}

// Stop treats an already stopped service as success and retries transport errors.
func (c *Client) Stop(ctx context.Context, site models.Site, serviceID string) models.StopResult {
	result := models.StopResult{
		SiteID:    site.ID,
		ServiceID: serviceID,
	}
	resp := stopResponse{}
	err := retry.Do(
		func() error {
			resp = stopResponse{}
			code, err := c.do(ctx, site, "stop", http.MethodPost, stopPath, stopRequest{ServiceID: serviceID}, &resp)
			if code == http.StatusNotFound || code == http.StatusGone {
				resp.Success = true
				resp.AlreadyStopped = true
				return nil
			}
			var transportErr *models.TransportError
			if err != nil && !errors.As(err, &transportErr) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.stopAttempts),
		retry.Delay(c.retryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	if !resp.Success {
		result.Message = (&models.RemoteBusinessError{SiteID: site.ID, StatusCode: http.StatusOK, Message: resp.Message}).Error()
		return result
	}
	result.Success = true
	result.AlreadyStopped = resp.AlreadyStopped
	result.Message = resp.Message
	return result
}

// do performs one bounded request. Failures to reach the agent come back as
// *models.TransportError, failures reported by the agent as *models.RemoteBusinessError.
// The returned status code is zero when no response was received.
func (c *Client) do(ctx context.Context, site models.Site, op, method, path string, in, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(site.BaseURL, "/")+path, body)
	if err != nil {
		return 0, &models.TransportError{Op: op, SiteID: site.ID, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, &models.TransportError{Op: op, SiteID: site.ID, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, &models.TransportError{Op: op, SiteID: site.ID, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, &models.RemoteBusinessError{
			SiteID:     site.ID,
			StatusCode: resp.StatusCode,
			Message:    remoteMessage(resp.StatusCode, data),
		}
	}
	if err = json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, &models.RemoteBusinessError{
			SiteID:     site.ID,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to decode %s response: %v", op, err),
		}
	}
	return resp.StatusCode, nil
}

func remoteMessage(code int, data []byte) string {
	errBody := struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}{}
	if json.Unmarshal(data, &errBody) == nil {
		if errBody.Message != "" {
			return errBody.Message
		}
		if errBody.Error != "" {
			return errBody.Error
		}
	}
	return fmt.Sprintf("unexpected status code %d", code)
}
