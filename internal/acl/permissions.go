package acl

import (
	"context"
	"time"

	"discord-automod-bot/internal/redis"

	"emperror.dev/errors"
	"github.com/bwmarrin/discordgo"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// MemberInfo is the part of a member that decides whether automod may act on them
type MemberInfo struct {
	UserID         string   `json:"user_id"`
	Roles          []string `json:"roles"`
	HighestRolePos int      `json:"highest_role_pos"`
	HasAdmin       bool     `json:"has_admin"`
	IsOwner        bool     `json:"is_owner"`
	CachedAt       int64    `json:"cached_at"`
}

// Inspector answers admin and hierarchy questions, caching members in Redis
type Inspector struct {
	session *discordgo.Session
	redis   *redis.Client // optional
	ttl     time.Duration
	logger  *zap.Logger
}

// NewInspector creates an inspector. rdb may be nil to disable caching.
func NewInspector(session *discordgo.Session, rdb *redis.Client, logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{
		session: session,
		redis:   rdb,
		ttl:     2 * time.Minute, // short TTL, role changes must apply quickly
		logger:  logger,
	}
}

func (i *Inspector) IsAdmin(ctx context.Context, guildID, userID string) (bool, error) {
	m, err := i.member(ctx, guildID, userID)
	if err != nil {
		return false, err
	}
	return m.IsOwner || m.HasAdmin, nil
}

func (i *Inspector) OutranksBot(ctx context.Context, guildID, userID string) (bool, error) {
	target, err := i.member(ctx, guildID, userID)
	if err != nil {
		return false, err
	}
	if i.session.State.User == nil {
		return false, errors.New("bot user unknown")
	}
	bot, err := i.member(ctx, guildID, i.session.State.User.ID)
	if err != nil {
		return false, err
	}
	return Outranks(target, bot), nil
}

// Outranks reports whether actor cannot act on target because of the role hierarchy
func Outranks(target, actor *MemberInfo) bool {
	if target.IsOwner {
		return true
	}
	if actor.IsOwner {
		return false
	}
	return target.HighestRolePos >= actor.HighestRolePos
}

// InvalidateMember drops a cached member, called on member updates
func (i *Inspector) InvalidateMember(ctx context.Context, guildID, userID string) {
	if i.redis != nil {
		i.redis.Del(ctx, memberKey(guildID, userID))
	}
}

func memberKey(guildID, userID string) string {
	return "acl_member:" + guildID + ":" + userID
}

func (i *Inspector) member(ctx context.Context, guildID, userID string) (*MemberInfo, error) {
	if i.redis != nil {
		if raw, err := i.redis.Get(ctx, memberKey(guildID, userID)); err == nil {
			var m MemberInfo
			if err := json.Unmarshal([]byte(raw), &m); err == nil {
				return &m, nil
			}
		}
	}

	guild, err := i.guild(ctx, guildID)
	if err != nil {
		return nil, errors.WrapIf(err, "failed to get guild")
	}
	member, err := i.session.State.Member(guildID, userID)
	if err != nil {
		member, err = i.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, errors.WrapIf(err, "failed to get member")
		}
	}

	m := BuildMemberInfo(member, guild)
	if i.redis != nil {
		if payload, err := json.Marshal(m); err == nil {
			if err := i.redis.Set(ctx, memberKey(guildID, userID), payload, i.ttl); err != nil {
				i.logger.Debug("failed to cache member", zap.Error(err))
			}
		}
	}
	return m, nil
}

func (i *Inspector) guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	if g, err := i.session.State.Guild(guildID); err == nil && len(g.Roles) > 0 {
		return g, nil
	}
	g, err := i.session.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return g, nil
}

// BuildMemberInfo computes hierarchy and admin flags of a member
func BuildMemberInfo(member *discordgo.Member, guild *discordgo.Guild) *MemberInfo {
	info := &MemberInfo{
		Roles:    member.Roles,
		CachedAt: time.Now().Unix(),
	}
	if member.User != nil {
		info.UserID = member.User.ID
	}
	info.IsOwner = info.UserID != "" && info.UserID == guild.OwnerID

	for _, roleID := range member.Roles {
		for _, guildRole := range guild.Roles {
			if guildRole.ID != roleID {
				continue
			}
			if guildRole.Position > info.HighestRolePos {
				info.HighestRolePos = guildRole.Position
			}
			if guildRole.Permissions&discordgo.PermissionAdministrator != 0 {
				info.HasAdmin = true
			}
		}
	}
	return info
}
