package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type EventType string

const (
	EventJobStarted     EventType = "job_started"
	EventStageCompleted EventType = "stage_completed"
	EventJobCompleted   EventType = "job_completed"
	EventJobFailed      EventType = "job_failed"
	EventRetryAttempt   EventType = "retry_attempt"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Event struct {
	Service       string                 `json:"service"`
	EventType     EventType              `json:"event_type"`
	Severity      Severity               `json:"severity"`
	CorrelationID string                 `json:"correlation_id"`
	JobID         string                 `json:"job_id"`
	TenantID      string                 `json:"tenant_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Metrics       map[string]float64     `json:"metrics,omitempty"`
}

// Sink delivers pipeline events. Delivery is best effort: a sink never
// returns an error to its caller and never blocks a stage.
type Sink interface {
	Emit(ctx context.Context, event Event)
	Close()
}

type noopSink struct{}

func (noopSink) Emit(ctx context.Context, event Event) {}
func (noopSink) Close()                                {}

// NewNoop returns a sink that drops everything, for when no telemetry
// endpoint is configured.
func NewNoop() Sink {
	return noopSink{}
}

type httpSink struct {
	endpoint string
	client   *http.Client
	queue    chan Event
	wg       sync.WaitGroup
	once     sync.Once
}

// NewHTTPSink returns a sink that POSTs events to an external collector from
// a background goroutine. When the queue is full, events are dropped with a
// warning instead of blocking the pipeline.
func NewHTTPSink(endpoint string, queueSize int, timeout time.Duration) Sink {
	if endpoint == "" {
		return NewNoop()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &httpSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		queue:    make(chan Event, queueSize),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *httpSink) Emit(ctx context.Context, event Event) {
	if event.Service == "" {
		event.Service = "rake"
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case s.queue <- event:
	default:
		logutil.GetLogger(ctx).Warn("telemetry queue full, dropping event",
			zap.String("event_type", string(event.EventType)),
			zap.String("job_id", event.JobID),
		)
	}
}

func (s *httpSink) Close() {
	s.once.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}

func (s *httpSink) loop() {
	defer s.wg.Done()
	for event := range s.queue {
		s.post(event)
	}
}

func (s *httpSink) post(event Event) {
	logger := logutil.GetLogger(context.Background())
	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn("telemetry marshal failed", zap.Error(err))
		return
	}
	req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		logger.Warn("telemetry request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		logger.Warn("telemetry emit failed",
			zap.String("event_type", string(event.EventType)),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		logger.Warn("telemetry collector rejected event",
			zap.String("event_type", string(event.EventType)),
			zap.Int("status", resp.StatusCode),
		)
	}
}
