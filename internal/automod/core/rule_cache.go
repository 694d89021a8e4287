package core

import (
	"sync"

	"discord-automod-bot/internal/models"
)

// RuleCache holds the validated rules of every known guild.
// Entries are immutable once stored; updates swap the whole value.
type RuleCache struct {
	guilds sync.Map // guildID -> *models.GuildRules
}

// NewRuleCache creates an empty cache
func NewRuleCache() *RuleCache {
	return &RuleCache{}
}

// Get returns the rules of a guild or nil
func (c *RuleCache) Get(guildID string) *models.GuildRules {
	val, ok := c.guilds.Load(guildID)
	if !ok {
		return nil
	}
	return val.(*models.GuildRules)
}

// Set stores a copy of g
func (c *RuleCache) Set(g *models.GuildRules) {
	cp := *g
	cp.Rules = append([]models.ViolationRule(nil), g.Rules...)
	c.guilds.Store(cp.GuildID, &cp)
}

// Delete removes a guild
func (c *RuleCache) Delete(guildID string) {
	c.guilds.Delete(guildID)
}

// Len returns the number of cached guilds
func (c *RuleCache) Len() int {
	n := 0
	c.guilds.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
