package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/chunk-recorder/internal/store"
)

// HoldLease claims the store lease on a session and renews it in the
// background at a third of the lease TTL until the returned release func
// is called. Release drops the lease; it is safe to call more than once.
func HoldLease(ctx context.Context, st SessionStore, sessionID string, logger *slog.Logger) (func(), error) {
	if err := st.ClaimLease(ctx, sessionID); err != nil {
		return nil, err
	}

	interval := max(st.LeaseTTL()/3, 10*time.Millisecond)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				err := st.ClaimLease(context.Background(), sessionID)
				if err == nil {
					continue
				}
				if errors.Is(err, store.ErrSessionNotFound) {
					return
				}
				logger.Warn("Failed to renew session lease",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
		}
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := st.ReleaseLease(context.Background(), sessionID); err != nil {
				logger.Warn("Failed to release session lease",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
		})
	}
	return release, nil
}
