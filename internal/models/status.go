package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Health string

const (
	Healthy Health = "healthy"
	Down    Health = "down"
)

// SiteStatus is the latest observation of one site. A down status has no Usage.
type SiteStatus struct {
	SiteID     SiteID    `json:"site_id"`
	Health     Health    `json:"health"`
	ObservedAt time.Time `json:"observed_at"`
	LastError  string    `json:"last_error,omitempty"`

	*Usage
}

type Usage struct {
	InstanceCount int     `json:"instance_count"`
	ResourceTotal float64 `json:"resource_total"`
	ResourceUsed  float64 `json:"resource_used"`
	UsageRate     float64 `json:"usage_rate"`
	CostFactor    float64 `json:"cost_factor"`
	LatencyMinMs  *int    `json:"latency_min_ms,omitempty"`
	LatencyMaxMs  *int    `json:"latency_max_ms,omitempty"`

	// Instances is the agent's instance listing at ObservedAt.
	Instances []InstanceMetric `json:"instances,omitempty"`
}

func DownStatus(siteID SiteID, observedAt time.Time, err error) SiteStatus {
	st := SiteStatus{
		SiteID:     siteID,
		Health:     Down,
		ObservedAt: observedAt,
	}
	if err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Clone returns a status that shares no memory with s.
func (s SiteStatus) Clone() SiteStatus {
	if s.Usage == nil {
		return s
	}
	usage := *s.Usage
	if s.LatencyMinMs != nil {
		v := *s.LatencyMinMs
		usage.LatencyMinMs = &v
	}
	if s.LatencyMaxMs != nil {
		v := *s.LatencyMaxMs
		usage.LatencyMaxMs = &v
	}
	if s.Instances != nil {
		usage.Instances = append([]InstanceMetric(nil), s.Instances...)
	}
	s.Usage = &usage
	return s
}

func (s SiteStatus) IsHealthy() bool {
	return s.Health == Healthy
}

// InstanceMetric is one deployed instance group as reported by a site agent.
type InstanceMetric struct {
	ServiceID string `json:"service_id"`
	Gas       int    `json:"gas"`
	Cost      int    `json:"cost"`
	CSCIID    string `json:"csci_id"`
	Delay     int    `json:"delay"`
}

// FlexFloat decodes numbers that agents send either as JSON numbers or as
// strings like "400" and "10.0%". Percent strings are scaled to a fraction.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := ParseFlexFloat(s)
		if err != nil {
			return err
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("failed to decode number %s: %w", data, err)
	}
	*f = FlexFloat(v)
	return nil
}

func ParseFlexFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse number %q: %w", s, err)
	}
	if percent {
		v /= 100
	}
	return v, nil
}
