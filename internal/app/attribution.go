package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"roletracker/internal/platform"
)

type AuditLog interface {
	RecentRoleUpdates(ctx context.Context, guildID string, limit int) ([]platform.AuditEntry, error)
}

// Attribution names who made an externally observed change. When Resolved is
// false ModeratorID holds the sentinel self identity.
type Attribution struct {
	ModeratorID string
	Resolved    bool
}

// AttributionResolver matches a member update to the most recent role-update
// audit entries. Entries can race with the update they describe, so only a
// small window is scanned.
type AttributionResolver struct {
	audit   AuditLog
	selfID  string
	window  int
	timeout time.Duration
	logger  *slog.Logger
}

func NewAttributionResolver(audit AuditLog, selfID string, window int, timeout time.Duration, logger *slog.Logger) *AttributionResolver {
	if window <= 0 {
		window = 3
	}
	return &AttributionResolver{
		audit:   audit,
		selfID:  selfID,
		window:  window,
		timeout: timeout,
		logger:  logger,
	}
}

func (r *AttributionResolver) Resolve(ctx context.Context, guildID, targetID string) Attribution {
	sentinel := Attribution{ModeratorID: r.selfID}
	if r.audit == nil {
		return sentinel
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	entries, err := r.audit.RecentRoleUpdates(ctx, guildID, r.window)
	if err != nil {
		if errors.Is(err, platform.ErrAuditForbidden) {
			r.logger.Warn("failed to retrieve the moderator from audit logs, please check the permissions",
				slog.String("guild_id", guildID))
		} else {
			r.logger.Error("audit log lookup failed",
				slog.String("guild_id", guildID),
				slog.Any("error", err))
		}
		return sentinel
	}

	for i, entry := range entries {
		if i >= r.window {
			break
		}
		if entry.TargetID == targetID {
			return Attribution{ModeratorID: entry.ActorID, Resolved: true}
		}
	}
	return sentinel
}
