// Package journal records session lifecycle events to storage without
// blocking the sessions that produce them.
package journal

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/entl/termcore/internal/logging"
	"github.com/entl/termcore/internal/metrics"
	"github.com/entl/termcore/internal/storage"
)

const (
	defaultBuffer = 100
	writeTimeout  = 5 * time.Second
)

// Service manages event persistence.
// It provides async writes to avoid blocking session event delivery.
type Service struct {
	db      *storage.DB
	runID   string
	logger  *zap.Logger
	metrics *metrics.Metrics

	writeCh  chan *writeRequest
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// writeRequest encapsulates an event to be written to storage.
type writeRequest struct {
	ev       *storage.Event
	resultCh chan error // optional, for callers who want confirmation
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics counts dropped events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(s *Service) { s.runID = id }
}

// NewService creates a journal over db with room for buffer pending writes.
// It starts a background goroutine for async writes.
func NewService(db *storage.DB, buffer int, opts ...Option) *Service {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	svc := &Service{
		db:      db,
		runID:   uuid.New().String(),
		writeCh: make(chan *writeRequest, buffer),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.logger = logging.OrNop(svc.logger).Named("journal").With(zap.String("run", svc.runID))

	svc.wg.Add(1)
	go svc.writeWorker()

	return svc
}

// RunID identifies this process in the journal. Session ids restart with
// every process, so queries by session are scoped to a run.
func (s *Service) RunID() string {
	return s.runID
}

// writeWorker processes write requests in the background.
func (s *Service) writeWorker() {
	defer s.wg.Done()

	for {
		select {
		case req := <-s.writeCh:
			s.write(req)
		case <-s.stopCh:
			// Drain remaining writes before exiting
			for {
				select {
				case req := <-s.writeCh:
					s.write(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(req *writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	err := s.db.InsertEvent(ctx, req.ev)
	cancel()

	if err != nil {
		s.logger.Error("failed to insert event",
			zap.Int("session", req.ev.SessionID),
			zap.String("kind", req.ev.Kind),
			zap.Error(err))
	}

	// Notify caller if they're waiting for result
	if req.resultCh != nil {
		req.resultCh <- err
		close(req.resultCh)
	}
}

func (s *Service) event(sessionID int, kind, detail string, exitCode *int) *storage.Event {
	return &storage.Event{
		RunID:     s.runID,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Kind:      kind,
		Detail:    sanitizeDetail(detail),
		ExitCode:  exitCode,
	}
}

// Record asynchronously persists an event. It never blocks: when the
// buffer is full the event is dropped.
func (s *Service) Record(sessionID int, kind, detail string, exitCode *int) {
	ev := s.event(sessionID, kind, detail, exitCode)

	select {
	case s.writeCh <- &writeRequest{ev: ev}:
	default:
		s.metrics.JournalEventDropped()
		s.logger.Warn("write buffer full, dropping event",
			zap.Int("session", sessionID),
			zap.String("kind", kind))
	}
}

// RecordSync persists an event and waits for the write to finish.
// Returns an error if the write fails. Use sparingly.
func (s *Service) RecordSync(ctx context.Context, sessionID int, kind, detail string, exitCode *int) error {
	resultCh := make(chan error, 1)
	req := &writeRequest{ev: s.event(sessionID, kind, detail, exitCode), resultCh: resultCh}

	select {
	case s.writeCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query reads events back. A non-zero SessionID selects one session of
// this run; a Pattern searches details by prefix; otherwise the most
// recent events are returned.
func (s *Service) Query(ctx context.Context, opts storage.QueryOptions) ([]*storage.Event, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	switch {
	case opts.SessionID != 0:
		return s.db.EventsBySession(ctx, s.runID, opts.SessionID, limit)
	case opts.Pattern != "":
		return s.db.SearchEvents(ctx, opts.Pattern, limit)
	default:
		return s.db.RecentEvents(ctx, limit)
	}
}

// Close gracefully shuts down the journal.
// It waits for pending writes to complete.
func (s *Service) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
	return nil
}

// sanitizeDetail trims whitespace and control characters a title may carry.
func sanitizeDetail(detail string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, detail)
	return strings.TrimSpace(cleaned)
}
