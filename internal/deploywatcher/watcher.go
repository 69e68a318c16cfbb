package deploywatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/Sh00ty/site-dispatcher/internal/metrics"
	"github.com/Sh00ty/site-dispatcher/internal/models"
)

type Submitter interface {
	Submit(ctx context.Context, req models.DeploymentRequest) (models.DeploymentResult, error)
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

// errTransient marks a request that failed for a reason that may go away.
var errTransient = errors.New("transient submit failure")

// DeployWatcher turns queued deployment requests into submits. A message is
// committed once it is handled or rejected for good. Transient failures are
// retried on the same message, the next one is not fetched meanwhile.
type DeployWatcher struct {
	msgReader  MessageReader
	submitter  Submitter
	metrics    metrics.Metrics
	retryDelay time.Duration
}

func NewDeployWatcher(groupID string, brokers []string, topic string, submitter Submitter, m metrics.Metrics) *DeployWatcher {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		MaxBytes:    10 * 1024 * 1024,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
	})
	return newWatcher(reader, submitter, m)
}

func newWatcher(reader MessageReader, submitter Submitter, m metrics.Metrics) *DeployWatcher {
	return &DeployWatcher{
		msgReader:  reader,
		submitter:  submitter,
		metrics:    m,
		retryDelay: defaultRetryDelay,
	}
}

func (w *DeployWatcher) Run(ctx context.Context) error {
	for {
		msg, err := w.msgReader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			w.metrics.Increment(metrics.QueueFetchFailure)
			log.Error().Err(err).Msg("failed to fetch deployment request from queue")
			select {
			case <-time.After(w.retryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		w.metrics.Increment(metrics.QueueMessages)

		err = retry.Do(
			func() error { return w.handle(ctx, msg) },
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(w.retryDelay),
			retry.MaxDelay(maxRetryDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			// only ctx stops the retries, the message stays uncommitted
			return nil
		}
		err = w.msgReader.CommitMessages(ctx, msg)
		if err != nil {
			log.Error().Err(err).Msgf("failed to commit message %d: it will be redelivered", msg.Offset)
		}
	}
}

// handle returns an error only when the message should be tried again.
func (w *DeployWatcher) handle(ctx context.Context, msg kafka.Message) error {
	req, ok, err := decodeRequest(msg.Value)
	if err != nil {
		log.Error().Err(err).Msgf("skip undecodable message at %s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
		return nil
	}
	if !ok {
		return nil
	}
	if req.RequestID == "" {
		req.RequestID = messageRequestID(msg)
	}

	result, err := w.submitter.Submit(ctx, req)
	var (
		valErr     *models.ValidationError
		unknownErr *models.UnknownSiteError
	)
	switch {
	case errors.As(err, &valErr), errors.As(err, &unknownErr):
		log.Error().Err(err).Msgf("skip rejected deployment request %s", req.RequestID)
		return nil
	case err != nil:
		log.Error().Err(err).Msgf("failed to submit deployment request %s, retrying", req.RequestID)
		return fmt.Errorf("%w: %w", errTransient, err)
	}
	if result.Success {
		log.Info().Msgf("queued request %s deployed as %s", req.RequestID, result.RemoteIdentifier)
	} else {
		log.Warn().Msgf("queued request %s failed: %s", req.RequestID, result.ErrorMessage)
	}
	return nil
}

func messageRequestID(msg kafka.Message) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func (w *DeployWatcher) Close() error {
	return w.msgReader.Close()
}
