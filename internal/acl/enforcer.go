package acl

import (
	"context"
	"net/http"

	"discord-automod-bot/internal/automod/core"

	"emperror.dev/errors"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// errCodeTargetNotInVoice is returned when muting or deafening a member outside voice
const errCodeTargetNotInVoice = 40032

// softbanDeleteDays is how much message history a softban removes
const softbanDeleteDays = 1

// Enforcer performs automod punishments through the Discord REST API
type Enforcer struct {
	session *discordgo.Session
	logger  *zap.Logger
}

func NewEnforcer(session *discordgo.Session, logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{session: session, logger: logger}
}

func opts(ctx context.Context, reason string) []discordgo.RequestOption {
	o := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if reason != "" {
		o = append(o, discordgo.WithAuditLogReason(reason))
	}
	return o
}

func (e *Enforcer) Kick(ctx context.Context, guildID, userID, reason string) error {
	err := e.session.GuildMemberDeleteWithReason(guildID, userID, reason, discordgo.WithContext(ctx))
	return Classify("kick", guildID, userID, err, false)
}

func (e *Enforcer) Ban(ctx context.Context, guildID, userID, reason string) error {
	err := e.session.GuildBanCreateWithReason(guildID, userID, reason, 0, discordgo.WithContext(ctx))
	return Classify("ban", guildID, userID, err, false)
}

// Softban bans to purge recent messages and lifts the ban right away
func (e *Enforcer) Softban(ctx context.Context, guildID, userID, reason string) error {
	err := e.session.GuildBanCreateWithReason(guildID, userID, reason, softbanDeleteDays, discordgo.WithContext(ctx))
	if err := Classify("softban", guildID, userID, err, false); err != nil {
		return err
	}
	err = e.session.GuildBanDelete(guildID, userID, opts(ctx, reason)...)
	if err != nil {
		// the engine schedules a retry of the unban
		e.logger.Error("softban left the member banned",
			zap.String("guild_id", guildID),
			zap.String("user_id", userID),
			zap.Error(err))
	}
	return Classify(core.ActionSoftbanUnban, guildID, userID, err, true)
}

func (e *Enforcer) VoiceMute(ctx context.Context, guildID, userID, reason string) error {
	err := e.session.GuildMemberMute(guildID, userID, true, opts(ctx, reason)...)
	return Classify("voice mute", guildID, userID, err, false)
}

func (e *Enforcer) Deafen(ctx context.Context, guildID, userID, reason string) error {
	err := e.session.GuildMemberDeafen(guildID, userID, true, opts(ctx, reason)...)
	return Classify("deafen", guildID, userID, err, false)
}

func (e *Enforcer) AddRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	err := e.session.GuildMemberRoleAdd(guildID, userID, roleID, opts(ctx, reason)...)
	return Classify("add role", guildID, userID, err, false)
}

func (e *Enforcer) Unban(ctx context.Context, guildID, userID, reason string) error {
	err := e.session.GuildBanDelete(guildID, userID, opts(ctx, reason)...)
	return Classify("unban", guildID, userID, err, true)
}

func (e *Enforcer) VoiceUnmute(ctx context.Context, guildID, userID, reason string) error {
	err := e.session.GuildMemberMute(guildID, userID, false, opts(ctx, reason)...)
	return Classify("voice unmute", guildID, userID, err, true)
}

func (e *Enforcer) Undeafen(ctx context.Context, guildID, userID, reason string) error {
	err := e.session.GuildMemberDeafen(guildID, userID, false, opts(ctx, reason)...)
	return Classify("undeafen", guildID, userID, err, true)
}

func (e *Enforcer) RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	err := e.session.GuildMemberRoleRemove(guildID, userID, roleID, opts(ctx, reason)...)
	return Classify("remove role", guildID, userID, err, true)
}

// Classify maps a Discord error onto the automod error kinds. For reversals a target
// that is already gone means there is nothing left to undo.
func Classify(action, guildID, userID string, err error, reversal bool) error {
	if err == nil {
		return nil
	}

	var rest *discordgo.RESTError
	if !errors.As(err, &rest) || rest.Response == nil {
		return core.Transient(action, guildID, userID, err)
	}

	code := 0
	if rest.Message != nil {
		code = rest.Message.Code
	}
	status := rest.Response.StatusCode

	switch {
	case code == discordgo.ErrCodeUnknownBan:
		return errors.WithMessage(core.ErrAlreadyApplied, action)
	case code == discordgo.ErrCodeUnknownMember || code == discordgo.ErrCodeUnknownUser:
		if reversal {
			return errors.WithMessage(core.ErrAlreadyApplied, action)
		}
		return core.Permanent(action, guildID, userID, err)
	case code == errCodeTargetNotInVoice:
		if reversal {
			// the flag stays on the member until they connect again
			return core.Transient(action, guildID, userID, err)
		}
		return core.Permanent(action, guildID, userID, err)
	case code == discordgo.ErrCodeMissingPermissions || code == discordgo.ErrCodeMissingAccess:
		return core.Permanent(action, guildID, userID, err)
	case status == http.StatusNotFound:
		if reversal {
			return errors.WithMessage(core.ErrAlreadyApplied, action)
		}
		return core.Permanent(action, guildID, userID, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return core.Transient(action, guildID, userID, err)
	case status >= 400:
		return core.Permanent(action, guildID, userID, err)
	default:
		return core.Transient(action, guildID, userID, err)
	}
}
