package deploywatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/site-dispatcher/internal/metrics"
	"github.com/Sh00ty/site-dispatcher/internal/models"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	fetchErrs int
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchErrs > 0 {
		r.fetchErrs--
		return kafka.Message{}, errors.New("broker not available")
	}
	if len(r.messages) == 0 {
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	return nil
}

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []models.DeploymentRequest
	// failures is the number of calls that fail before submits go through,
	// negative fails forever.
	failures int
}

func (s *fakeSubmitter) Submit(ctx context.Context, req models.DeploymentRequest) (models.DeploymentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.failures != 0 {
		s.failures--
		return models.DeploymentResult{}, errors.New("failed to generate request id")
	}
	if err := req.Validate(); err != nil {
		return models.DeploymentResult{}, err
	}
	if req.TargetSiteID != "A" {
		return models.DeploymentResult{}, &models.UnknownSiteError{SiteID: req.TargetSiteID}
	}
	return models.DeploymentResult{Request: req, RequestID: req.RequestID, Success: true}, nil
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    models.DeploymentRequest
		wantOk  bool
		wantErr bool
	}{
		{
			name:   "plain request",
			data:   `{"request_id":"r1","service_id":"svc1","target_site_id":"A","instance_count":3}`,
			want:   models.DeploymentRequest{RequestID: "r1", ServiceID: "svc1", TargetSiteID: "A", InstanceCount: 3},
			wantOk: true,
		},
		{
			name:   "cdc insert",
			data:   `{"before":null,"after":{"request_id":"r2","service_id":"svc2","target_site_id":"B","instance_count":1},"op":"c","ts_ms":1763998525108}`,
			want:   models.DeploymentRequest{RequestID: "r2", ServiceID: "svc2", TargetSiteID: "B", InstanceCount: 1},
			wantOk: true,
		},
		{
			name: "cdc delete",
			data: `{"before":{"request_id":"r2"},"after":null,"op":"d"}`,
		},
		{
			name:    "cdc insert without row",
			data:    `{"after":null,"op":"c"}`,
			wantErr: true,
		},
		{
			name:    "garbage",
			data:    `{"service_id":`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := decodeRequest([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeployWatcher_Run(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Topic: "deploy", Partition: 0, Offset: 1, Key: []byte("key-1"),
			Value: []byte(`{"service_id":"svc1","target_site_id":"A","instance_count":2}`)},
		{Topic: "deploy", Partition: 0, Offset: 2,
			Value: []byte(`{"service_id":"svc1","target_site_id":"A","instance_count":1}`)},
		{Topic: "deploy", Partition: 0, Offset: 3, Value: []byte(`not json`)},
		{Topic: "deploy", Partition: 0, Offset: 4,
			Value: []byte(`{"service_id":"svc1","target_site_id":"A","instance_count":0}`)},
		{Topic: "deploy", Partition: 0, Offset: 5,
			Value: []byte(`{"service_id":"svc1","target_site_id":"Z","instance_count":1}`)},
	}}
	submitter := &fakeSubmitter{}
	w := newWatcher(reader, submitter, metrics.NewNoop())
	w.retryDelay = time.Millisecond

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, reader.committed)
	require.Len(t, submitter.requests, 4)
	assert.Equal(t, "key-1", submitter.requests[0].RequestID)
	assert.Equal(t, "deploy/0/2", submitter.requests[1].RequestID)
}

func TestDeployWatcher_TransientErrorRetriesSameMessage(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Topic: "deploy", Offset: 7, Value: []byte(`{"service_id":"svc1","target_site_id":"A","instance_count":1}`)},
		{Topic: "deploy", Offset: 8, Value: []byte(`{"service_id":"svc2","target_site_id":"A","instance_count":1}`)},
	}}
	submitter := &fakeSubmitter{failures: 2}
	w := newWatcher(reader, submitter, metrics.NewNoop())
	w.retryDelay = time.Millisecond

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []int64{7, 8}, reader.committed)
	require.Len(t, submitter.requests, 4)
	for _, req := range submitter.requests[:3] {
		assert.Equal(t, "svc1", req.ServiceID)
		assert.Equal(t, "deploy/0/7", req.RequestID)
	}
	assert.Equal(t, "svc2", submitter.requests[3].ServiceID)
}

func TestDeployWatcher_UnhandledMessageIsNeverCommitted(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		{Topic: "deploy", Offset: 7, Value: []byte(`{"service_id":"svc1","target_site_id":"A","instance_count":1}`)},
		{Topic: "deploy", Offset: 8, Value: []byte(`{"service_id":"svc2","target_site_id":"A","instance_count":1}`)},
	}}
	submitter := &fakeSubmitter{failures: -1}
	w := newWatcher(reader, submitter, metrics.NewNoop())
	w.retryDelay = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Empty(t, reader.committed)
	assert.Len(t, reader.messages, 1, "the next message must wait for the failing one")
	assert.Greater(t, len(submitter.requests), 1)
}

type countingMetrics struct {
	metrics.Noop
	mu     sync.Mutex
	events map[string]int
}

func (m *countingMetrics) Increment(metric string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = make(map[string]int)
	}
	m.events[metric]++
}

func TestDeployWatcher_FetchErrorBacksOff(t *testing.T) {
	reader := &fakeReader{fetchErrs: 2, messages: []kafka.Message{
		{Topic: "deploy", Offset: 1, Value: []byte(`{"service_id":"svc1","target_site_id":"A","instance_count":1}`)},
	}}
	m := &countingMetrics{}
	w := newWatcher(reader, &fakeSubmitter{}, m)
	w.retryDelay = 20 * time.Millisecond

	started := time.Now()
	require.NoError(t, w.Run(context.Background()))

	assert.GreaterOrEqual(t, time.Since(started), 40*time.Millisecond)
	assert.Equal(t, 2, m.events[metrics.QueueFetchFailure])
	assert.Equal(t, 1, m.events[metrics.QueueMessages])
	assert.Equal(t, []int64{1}, reader.committed)
}

func TestDeployWatcher_FetchBackoffStopsOnCancel(t *testing.T) {
	reader := &fakeReader{fetchErrs: 1}
	w := newWatcher(reader, &fakeSubmitter{}, metrics.NewNoop())
	w.retryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop while backing off")
	}
}
