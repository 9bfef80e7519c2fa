package chatline

import (
	"context"
	"fmt"
	"time"

	"github.com/putto11262002/chatline/core"
)

// onUserConnected tells everyone else that the user came online.
func (a *App) onUserConnected(ctx context.Context, c *core.Conn) {
	if err := a.eventRouter.Emit(UserOnlineEvent, PresencePayload{
		UserID:    c.Username,
		Timestamp: time.Now(),
	}, c.Username); err != nil {
		a.logger.Error(fmt.Sprintf("emit %s: %v", UserOnlineEvent, err))
	}
}

// onConnectionClosed treats a dropped connection as a leave of every room it had joined.
// Rooms left empty are removed by the registry.
func (a *App) onConnectionClosed(ctx context.Context, c *core.Conn) {
	now := time.Now()
	for _, res := range a.rooms.LeaveAll(c.Username, c.ID) {
		if res.RoomDeleted {
			a.logger.Debug(fmt.Sprintf("room %s deleted", res.RoomID))
			continue
		}
		if !res.MemberLeft {
			continue
		}
		if err := a.eventRouter.EmitToConns(UserDisconnectedEvent, RoomPresencePayload{
			UserID:    c.Username,
			ChatID:    res.RoomID,
			Timestamp: now,
		}, a.rooms.Subscribers(res.RoomID)...); err != nil {
			a.logger.Error(fmt.Sprintf("emit %s: %v", UserDisconnectedEvent, err))
		}
	}
}

// onUserDisconnected is called once the last connection of the user is gone.
func (a *App) onUserDisconnected(ctx context.Context, username string) {
	if err := a.eventRouter.Emit(UserOfflineEvent, PresencePayload{
		UserID:    username,
		Timestamp: time.Now(),
	}, username); err != nil {
		a.logger.Error(fmt.Sprintf("emit %s: %v", UserOfflineEvent, err))
	}
}
