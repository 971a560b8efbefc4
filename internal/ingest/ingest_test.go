package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"OpportunitySwitch/internal/coordinator"
	"OpportunitySwitch/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSwitcher struct {
	mu     sync.Mutex
	seen   []*model.Opportunity
	queued bool
	err    error
}

func (f *fakeSwitcher) SwitchToOpportunityMode(_ context.Context, opp *model.Opportunity) (*coordinator.SwitchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, opp)
	if f.err != nil {
		return nil, f.err
	}
	return &coordinator.SwitchResult{OpportunityID: opp.ID, Queued: f.queued, Processed: !f.queued}, nil
}

func (f *fakeSwitcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/opportunity", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Opportunity(t *testing.T) {
	tests := []struct {
		name   string
		sink   *fakeSwitcher
		body   string
		status int
		calls  int
	}{
		{"processed", &fakeSwitcher{}, `{"type":"flash-loan","priceImpact":0.025}`, http.StatusOK, 1},
		{"queued", &fakeSwitcher{queued: true}, `{"type":"swap"}`, http.StatusAccepted, 1},
		{"bad json", &fakeSwitcher{}, `{"type":`, http.StatusBadRequest, 0},
		{"missing type", &fakeSwitcher{}, `{"expectedProfit":10}`, http.StatusBadRequest, 0},
		{"queue full", &fakeSwitcher{err: coordinator.ErrQueueFull}, `{"type":"swap"}`, http.StatusServiceUnavailable, 1},
		{"execution failed", &fakeSwitcher{err: errors.New("boom")}, `{"type":"swap"}`, http.StatusUnprocessableEntity, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(":0", tt.sink, nil, nil, nil)
			rec := post(t, s.Handler(), tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.calls, tt.sink.count())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestServer_RejectsGet(t *testing.T) {
	s := NewServer(":0", &fakeSwitcher{}, nil, nil, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/opportunity", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_HealthAndStatus(t *testing.T) {
	s := NewServer(":0", &fakeSwitcher{}, func() any { return map[string]int{"queued": 2} }, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queued":2}`, rec.Body.String())
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func TestKafkaConsumer_CommitsEverything(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Partition: 0, Offset: 1, Value: []byte(`{"type":"flash-loan","id":"a"}`)},
		{Partition: 0, Offset: 2, Value: []byte(`not json`)},
		{Partition: 0, Offset: 3, Value: []byte(`{"type":"swap"}`)},
	}}
	sink := &fakeSwitcher{}
	c := newKafkaConsumer(r, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() == 2 }, timeout, tick)
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, c.Close())

	assert.Equal(t, []int64{1, 2, 3}, r.committed)
	assert.True(t, r.closed)
	assert.Equal(t, "a", sink.seen[0].ID)
	assert.Equal(t, "kafka-0-3", sink.seen[1].ID)
}

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestNewKafkaConsumer_RequiresTopic(t *testing.T) {
	_, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"localhost:9092"}}, &fakeSwitcher{}, nil)
	assert.Error(t, err)
}
