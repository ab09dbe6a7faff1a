package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/chunk-recorder/internal/metrics"
	"github.com/skypro1111/chunk-recorder/internal/recorder"
	"github.com/skypro1111/chunk-recorder/internal/store"
)

// ErrSessionActive is returned when recovering or discarding the session
// that is still being recorded.
var ErrSessionActive = errors.New("session is being recorded")

// Store is the subset of the session store housekeeping needs
type Store interface {
	recorder.SessionStore
	ListRecoverable(ctx context.Context) ([]*store.Session, error)
	ListEmpty(ctx context.Context) ([]*store.Session, error)
	EvictOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	EvictOverCount(ctx context.Context, maxCount int) (int, error)
	IsLeased(sess *store.Session) bool
}

// Config contains retention and output settings
type Config struct {
	MaxAge      time.Duration
	MaxSessions int
	OutputDir   string

	// ActiveSession reports the id of the session being recorded in this
	// process, if any. That session, and any session leased in the store
	// by another recorder, is never listed, recovered or discarded.
	ActiveSession func() string
}

// Report describes one housekeeping pass
type Report struct {
	Expired     int `json:"expired"`
	OverCount   int `json:"over_count"`
	EmptyPurged int `json:"empty_purged"`
	Recoverable int `json:"recoverable"`
}

// Service runs housekeeping and the recovery operations
type Service struct {
	config     Config
	store      Store
	newEncoder func() recorder.Encoder
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	initOnce  sync.Once
	initErr   error
	report    Report
	abandoned []*store.Session
}

// NewService creates a recovery service. newEncoder is called once per
// Recover and the encoder closed afterwards.
func NewService(config Config, st Store, newEncoder func() recorder.Encoder, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		config:     config,
		store:      st,
		newEncoder: newEncoder,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// SetClock replaces the time source used for the retention cutoff
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Init runs housekeeping and lists the abandoned sessions. Only the first
// call does any work; later calls return the same result.
func (s *Service) Init(ctx context.Context) ([]*store.Session, Report, error) {
	s.initOnce.Do(func() {
		report, err := s.Housekeep(ctx)
		if err != nil {
			s.initErr = err
			return
		}

		abandoned, err := s.ListAbandoned(ctx)
		if err != nil {
			s.initErr = err
			return
		}

		report.Recoverable = len(abandoned)
		s.report = report
		s.abandoned = abandoned

		s.logger.Info("Session housekeeping completed",
			slog.Int("expired", report.Expired),
			slog.Int("over_count", report.OverCount),
			slog.Int("empty_purged", report.EmptyPurged),
			slog.Int("recoverable", report.Recoverable))
	})

	return s.abandoned, s.report, s.initErr
}

// Housekeep evicts sessions past the retention window, then trims the
// remainder to MaxSessions, then purges expired sessions that never
// received a chunk. Age eviction runs first so the count limit only
// considers sessions still inside the window.
func (s *Service) Housekeep(ctx context.Context) (Report, error) {
	var report Report
	cutoff := s.now().Add(-s.config.MaxAge)

	if s.config.MaxAge > 0 {
		n, err := s.store.EvictOlderThan(ctx, cutoff)
		report.Expired = n
		s.metrics.RecordSessionsEvicted("age", n)
		if err != nil {
			return report, fmt.Errorf("evict expired sessions: %w", err)
		}
	}

	if s.config.MaxSessions > 0 {
		n, err := s.store.EvictOverCount(ctx, s.config.MaxSessions)
		report.OverCount = n
		s.metrics.RecordSessionsEvicted("count", n)
		if err != nil {
			return report, fmt.Errorf("evict sessions over limit: %w", err)
		}
	}

	if s.config.MaxAge > 0 {
		n, err := s.purgeEmpty(ctx, cutoff)
		report.EmptyPurged = n
		s.metrics.RecordSessionsEvicted("empty", n)
		if err != nil {
			return report, fmt.Errorf("purge empty sessions: %w", err)
		}
	}

	return report, nil
}

// purgeEmpty deletes chunkless sessions created before cutoff. These are
// left by a crash between starting a recording and its first flush.
func (s *Service) purgeEmpty(ctx context.Context, cutoff time.Time) (int, error) {
	sessions, err := s.store.ListEmpty(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, sess := range sessions {
		if !sess.CreatedAt.Before(cutoff) || s.inUse(sess) {
			continue
		}
		if err := s.store.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// ListAbandoned returns every recoverable session except those being
// recorded, oldest first.
func (s *Service) ListAbandoned(ctx context.Context) ([]*store.Session, error) {
	sessions, err := s.store.ListRecoverable(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recoverable sessions: %w", err)
	}

	abandoned := sessions[:0]
	for _, sess := range sessions {
		if !s.inUse(sess) {
			abandoned = append(abandoned, sess)
		}
	}

	s.metrics.SetRecoverableSessions(len(abandoned))
	return abandoned, nil
}

// Recover builds the final file for an abandoned session and deletes the
// session, exactly as a successful stop would. On failure the session is
// left in place.
func (s *Service) Recover(ctx context.Context, sessionID string) (*recorder.Result, error) {
	release, err := s.claim(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	enc := s.newEncoder()
	defer func() {
		if err := enc.Close(); err != nil {
			s.logger.Warn("Failed to close encoder",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}()

	result, err := recorder.Finalize(ctx, s.store, enc, sessionID, s.config.OutputDir, s.logger)
	if err != nil {
		s.logger.Error("Failed to recover session",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.metrics.RecordSessionRecovered()
	s.refreshGauge(ctx)
	return result, nil
}

// Discard deletes an abandoned session and its chunks
func (s *Service) Discard(ctx context.Context, sessionID string) error {
	release, err := s.claim(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	s.metrics.RecordSessionDiscarded()
	s.logger.Info("Session discarded", slog.String("session_id", sessionID))
	s.refreshGauge(ctx)
	return nil
}

// claim leases an abandoned session for the duration of one operation
func (s *Service) claim(ctx context.Context, sessionID string) (func(), error) {
	if s.isActive(sessionID) {
		return nil, ErrSessionActive
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.store.IsLeased(sess) {
		return nil, ErrSessionActive
	}

	release, err := recorder.HoldLease(ctx, s.store, sessionID, s.logger)
	if errors.Is(err, store.ErrSessionLeased) {
		return nil, fmt.Errorf("%w: %w", ErrSessionActive, err)
	}
	return release, err
}

func (s *Service) isActive(sessionID string) bool {
	return s.config.ActiveSession != nil && sessionID != "" && s.config.ActiveSession() == sessionID
}

func (s *Service) inUse(sess *store.Session) bool {
	return s.isActive(sess.ID) || s.store.IsLeased(sess)
}

func (s *Service) refreshGauge(ctx context.Context) {
	if _, err := s.ListAbandoned(ctx); err != nil {
		s.logger.Debug("Failed to refresh recoverable session count", slog.String("error", err.Error()))
	}
}
