package crossings

import (
	"context"
	"log/slog"
)

// LogInviter is the default EventInviter: it records the hand-off and does
// nothing else. Deployments embedding the core wire the real event-creation
// workflow here.
type LogInviter struct {
	logger *slog.Logger
}

func NewLogInviter(logger *slog.Logger) *LogInviter {
	return &LogInviter{logger: logger}
}

func (i *LogInviter) CreateDinnerInvite(ctx context.Context, invite DinnerInvite) error {
	i.logger.Info("dinner invite handed off",
		"inviter", invite.InviterID,
		"invitee", invite.InviteeID,
		"locations", invite.Locations,
	)
	return nil
}
