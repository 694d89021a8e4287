package core

import (
	"context"
	"fmt"

	"discord-automod-bot/internal/models"

	"emperror.dev/errors"
)

// Enforce applies p to a user. Already being in the requested state counts as success.
func Enforce(ctx context.Context, e Enforcer, guildID, userID string, p models.PunishmentSpec, reason string) error {
	var err error
	switch p.Kind {
	case models.PunishmentKick:
		err = e.Kick(ctx, guildID, userID, reason)
	case models.PunishmentBan:
		err = e.Ban(ctx, guildID, userID, reason)
	case models.PunishmentSoftban:
		err = e.Softban(ctx, guildID, userID, reason)
	case models.PunishmentVoiceMute:
		err = e.VoiceMute(ctx, guildID, userID, reason)
	case models.PunishmentDeafen:
		err = e.Deafen(ctx, guildID, userID, reason)
	case models.PunishmentRoleMute:
		err = e.AddRole(ctx, guildID, userID, p.RoleID, reason)
	default:
		return Permanent(string(p.Kind), guildID, userID, fmt.Errorf("unknown punishment %q", p.Kind))
	}
	return normalize(string(p.Kind), guildID, userID, err)
}

// Reverse undoes a scheduled punishment. Reversing an already reversed state succeeds.
func Reverse(ctx context.Context, e Enforcer, row models.ScheduledPunishment, reason string) error {
	var err error
	switch row.Kind {
	case models.PunishmentBan:
		err = e.Unban(ctx, row.GuildID, row.UserID, reason)
	case models.PunishmentVoiceMute:
		err = e.VoiceUnmute(ctx, row.GuildID, row.UserID, reason)
	case models.PunishmentDeafen:
		err = e.Undeafen(ctx, row.GuildID, row.UserID, reason)
	case models.PunishmentRoleMute:
		err = e.RemoveRole(ctx, row.GuildID, row.UserID, row.Role(), reason)
	default:
		return Permanent("reverse "+string(row.Kind), row.GuildID, row.UserID, fmt.Errorf("%q has no reversal", row.Kind))
	}
	return normalize("reverse "+string(row.Kind), row.GuildID, row.UserID, err)
}

func normalize(action, guildID, userID string, err error) error {
	if err == nil || errors.Is(err, ErrAlreadyApplied) {
		return nil
	}
	var ee *EnforcementError
	if errors.As(err, &ee) {
		return err
	}
	// unclassified failures are retried by the next trigger or poll
	return Transient(action, guildID, userID, err)
}
