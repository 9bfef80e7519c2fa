package chatline

import (
	"context"
	"fmt"
	"time"
)

// sweepRooms periodically removes live rooms that have no members left and
// forgets revoked sessions that have expired, until ctx is done.
func (a *App) sweepRooms(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := a.rooms.Sweep(); removed > 0 {
				a.logger.Info(fmt.Sprintf("swept %d empty rooms", removed))
			}
			pruned, err := a.authStore.PruneRevoked(ctx)
			if err != nil && ctx.Err() == nil {
				a.logger.Error(fmt.Sprintf("PruneRevoked: %v", err))
			} else if err == nil && pruned > 0 {
				a.logger.Debug(fmt.Sprintf("pruned %d revoked sessions", pruned))
			}
		}
	}
}
