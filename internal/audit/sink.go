package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"usage_meter/internal/utils"
)

// ReportRecord is one confirmed send to the billing provider. Records are
// batched and written to S3 as JSON Lines for reconciliation and audits.
type ReportRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	CustomerID string    `json:"customer_id"`
	Meter      string    `json:"meter,omitempty"`
	Value      int64     `json:"value"`
	// Kind is "meter_event" for additive usage events and "quantity_set"
	// for absolute subscription-item updates.
	Kind string `json:"kind"`
}

// Sink receives report records from the metering engine.
type Sink interface {
	Record(rec *ReportRecord) error
	Shutdown(ctx context.Context) error
}

// NoopSink discards records. Used when the audit trail is disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Record(rec *ReportRecord) error { return nil }

func (s *NoopSink) Shutdown(ctx context.Context) error { return nil }

// BatchWriter persists a batch of records somewhere durable.
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []*ReportRecord) (string, error)
}

// BufferedSink collects records in memory and flushes them to a BatchWriter
// when either the batch size or the flush interval is reached.
type BufferedSink struct {
	writer        BatchWriter
	flushSize     int
	flushInterval time.Duration
	logger        *utils.Logger

	recordCh chan *ReportRecord
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewBufferedSink starts the background flush loop.
func NewBufferedSink(writer BatchWriter, bufferSize, flushSize int, flushInterval time.Duration) *BufferedSink {
	if flushSize <= 0 {
		flushSize = 1
	}
	s := &BufferedSink{
		writer:        writer,
		flushSize:     flushSize,
		flushInterval: flushInterval,
		logger:        utils.NewLogger("audit-sink"),
		recordCh:      make(chan *ReportRecord, bufferSize),
		doneCh:        make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Record enqueues a record without blocking the reporting path. When the
// buffer is full the record is dropped and counted against the audit trail,
// never against billing itself.
func (s *BufferedSink) Record(rec *ReportRecord) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("audit sink is shut down")
	}
	s.mu.Unlock()

	select {
	case s.recordCh <- rec:
		return nil
	default:
		s.logger.Warn("Audit buffer full, dropping record",
			"customer", rec.CustomerID, "meter", rec.Meter, "value", rec.Value)
		return fmt.Errorf("audit buffer full")
	}
}

// Shutdown flushes all buffered records and stops the loop.
func (s *BufferedSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.doneCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit sink shutdown timed out: %w", ctx.Err())
	}
}

func (s *BufferedSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]*ReportRecord, 0, s.flushSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := s.writer.WriteBatch(ctx, batch); err != nil {
			s.logger.Error("Failed to flush audit batch", "count", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.recordCh:
			batch = append(batch, rec)
			if len(batch) >= s.flushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.doneCh:
			// Drain whatever is still queued, then final flush
			for {
				select {
				case rec := <-s.recordCh:
					batch = append(batch, rec)
					if len(batch) >= s.flushSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
