package core

import (
	"context"
	"time"

	"discord-automod-bot/internal/models"
)

// Enforcer performs punishments and their reversals on the platform.
// Implementations return an error matching ErrAlreadyApplied when the target is
// already in the requested state, and EnforcementErrors for real failures.
type Enforcer interface {
	Kick(ctx context.Context, guildID, userID, reason string) error
	Ban(ctx context.Context, guildID, userID, reason string) error
	Softban(ctx context.Context, guildID, userID, reason string) error
	VoiceMute(ctx context.Context, guildID, userID, reason string) error
	Deafen(ctx context.Context, guildID, userID, reason string) error
	AddRole(ctx context.Context, guildID, userID, roleID, reason string) error

	Unban(ctx context.Context, guildID, userID, reason string) error
	VoiceUnmute(ctx context.Context, guildID, userID, reason string) error
	Undeafen(ctx context.Context, guildID, userID, reason string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error
}

// Store is the durable home of scheduled reversals
type Store interface {
	// Add inserts p unless a row with the same key exists and reports whether it inserted
	Add(ctx context.Context, p models.ScheduledPunishment) (bool, error)
	// Delete removes the row of p's key only while it still has p's ExpiryTicks.
	// Absent or replaced rows are not an error.
	Delete(ctx context.Context, p models.ScheduledPunishment) error
	BulkDelete(ctx context.Context, ps []models.ScheduledPunishment) error
	// GetExpired returns every row with ExpiryTicks < nowTicks
	GetExpired(ctx context.Context, nowTicks int64) ([]models.ScheduledPunishment, error)
	GetForUser(ctx context.Context, guildID, userID string) ([]models.ScheduledPunishment, error)
}

// MemberInspector answers the questions behind the ignore flags
type MemberInspector interface {
	IsAdmin(ctx context.Context, guildID, userID string) (bool, error)
	// OutranksBot reports whether the bot is unable to act on the user
	OutranksBot(ctx context.Context, guildID, userID string) (bool, error)
}

// Report describes one automod action for the notification side channel
type Report struct {
	GuildID    string
	UserID     string
	Punishment models.PunishmentSpec
	Rule       *models.ViolationRule
	Expiry     time.Time
	Err        error
	At         time.Time
}

// Reporter receives best-effort notifications. Implementations must not block for long.
type Reporter interface {
	PunishmentApplied(ctx context.Context, r Report)
	EnforcementFailed(ctx context.Context, r Report)
	PunishmentReversed(ctx context.Context, r Report)
	ReversalFailing(ctx context.Context, r Report)
	ReversalRecovered(ctx context.Context, r Report)
}
