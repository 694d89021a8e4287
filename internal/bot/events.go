package bot

import (
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) Ready(s *discordgo.Session, r *discordgo.Ready) {
	if s.State.User == nil {
		s.State.User = r.User
	}
	b.Logger.Info("ready", zap.String("user", r.User.Username), zap.Int("guilds", len(r.Guilds)))
}

// GuildCreate loads rules of guilds that were not known at startup
func (b *Bot) GuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if b.Automod == nil || b.Automod.Rules(g.ID) != nil {
		return
	}
	if err := b.Automod.WarmGuild(b.ctx, g.ID); err != nil {
		b.Logger.Warn("failed to load automod rules", zap.String("guild_id", g.ID), zap.Error(err))
	}
}

// GuildMemberUpdate drops the cached member so role changes apply to the ignore flags
func (b *Bot) GuildMemberUpdate(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
	if b.Inspector == nil || m.Member == nil || m.User == nil {
		return
	}
	b.Inspector.InvalidateMember(b.ctx, m.GuildID, m.User.ID)
}

// GuildRoleUpdate drops the cached bot member, its hierarchy position may have moved
func (b *Bot) GuildRoleUpdate(s *discordgo.Session, r *discordgo.GuildRoleUpdate) {
	if b.Inspector == nil || s.State.User == nil {
		return
	}
	b.Inspector.InvalidateMember(b.ctx, r.GuildID, s.State.User.ID)
}
