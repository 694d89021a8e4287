package background

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"discord-automod-bot/internal/automod/core"
	"discord-automod-bot/internal/models"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `
guilds:
  - guild_id: "100"
    enabled: true
    ignore_admins: true
    mute_role_id: "555"
    rules:
      - kind: spam
        metric: mention_count
        size: 5
        instances: 1
        window: 10s
        enabled: true
        punishment:
          kind: kick
      - kind: spam
        metric: message_count
        size: 1
        instances: 8
        window: 5s
        enabled: true
        punishment:
          kind: role_mute
          duration: 10m
  - guild_id: "200"
    enabled: true
    rules:
      - kind: raid
        metric: message_count
        size: 1
        instances: 10
        window: 1m
        enabled: true
        punishment:
          kind: ban
`

func TestParseRuleFile(t *testing.T) {
	src, err := ParseRuleFile([]byte(rulesYAML))
	require.NoError(t, err)

	ids, err := src.GuildIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200"}, ids)

	g, err := src.GuildRules(context.Background(), "100")
	require.NoError(t, err)
	require.NotNil(t, g)
	require.Len(t, g.Rules, 2)
	assert.Equal(t, 10*time.Second, g.Rules[0].Window)
	assert.Nil(t, g.Rules[0].Punishment.Duration)
	require.NotNil(t, g.Rules[1].Punishment.Duration)
	assert.Equal(t, 10*time.Minute, *g.Rules[1].Punishment.Duration)

	missing, err := src.GuildRules(context.Background(), "300")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFileSourceReturnsCopies(t *testing.T) {
	src, err := ParseRuleFile([]byte(rulesYAML))
	require.NoError(t, err)

	g, _ := src.GuildRules(context.Background(), "100")
	g.Rules[0].Size = 99

	again, _ := src.GuildRules(context.Background(), "100")
	assert.Equal(t, 5, again.Rules[0].Size)
}

func TestParseRuleFileRejectsBadLayout(t *testing.T) {
	_, err := ParseRuleFile([]byte("guilds: [{enabled: true}]"))
	assert.Error(t, err)

	_, err = ParseRuleFile([]byte("guilds: [{guild_id: '1'}, {guild_id: '1'}]"))
	assert.Error(t, err)

	_, err = ParseRuleFile([]byte("guilds: {"))
	assert.Error(t, err)

	_, err = LoadRuleFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRuleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	src, err := LoadRuleFile(path)
	require.NoError(t, err)
	ids, _ := src.GuildIDs(context.Background())
	assert.Len(t, ids, 2)
}

type stubSource struct {
	guilds map[string]*models.GuildRules
	err    error
}

func (s *stubSource) GuildRules(_ context.Context, guildID string) (*models.GuildRules, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.guilds[guildID], nil
}

func (s *stubSource) GuildIDs(_ context.Context) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	var ids []string
	for id := range s.guilds {
		ids = append(ids, id)
	}
	return ids, nil
}

func TestRuleLoaderWarmAllSkipsInvalidGuilds(t *testing.T) {
	src, err := ParseRuleFile([]byte(rulesYAML))
	require.NoError(t, err)

	cache := core.NewRuleCache()
	var changed []string
	loader := NewRuleLoader(cache, src, nil, func(id string) { changed = append(changed, id) })

	n, err := loader.WarmAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"100"}, changed)

	g := cache.Get("100")
	require.NotNil(t, g)
	assert.Equal(t, "555", g.Rules[1].Punishment.RoleID, "role mute inherits the guild mute role")
	assert.Nil(t, cache.Get("200"), "raid rule counting messages is rejected")
}

func TestRuleLoaderKeepsPreviousRulesOnInvalidUpdate(t *testing.T) {
	good := &models.GuildRules{
		GuildID: "1",
		Enabled: true,
		Rules: []models.ViolationRule{{
			Kind: models.RuleSpam, Metric: models.MetricMessageCount, Size: 1, Instances: 3,
			Window: time.Second, Enabled: true, Punishment: models.PunishmentSpec{Kind: models.PunishmentKick},
		}},
	}
	src := &stubSource{guilds: map[string]*models.GuildRules{"1": good}}
	cache := core.NewRuleCache()
	loader := NewRuleLoader(cache, src, nil, nil)

	require.NoError(t, loader.WarmGuild(context.Background(), "1"))

	bad := *good
	bad.Rules = []models.ViolationRule{{Kind: "flood", Metric: models.MetricMessageCount, Instances: 1, Window: time.Second}}
	src.guilds["1"] = &bad

	err := loader.WarmGuild(context.Background(), "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfig))
	assert.Equal(t, models.RuleSpam, cache.Get("1").Rules[0].Kind)
}

func TestRuleLoaderDropsRemovedGuild(t *testing.T) {
	src := &stubSource{guilds: map[string]*models.GuildRules{
		"1": {GuildID: "1", Enabled: true},
	}}
	cache := core.NewRuleCache()
	loader := NewRuleLoader(cache, src, nil, nil)

	require.NoError(t, loader.WarmGuild(context.Background(), "1"))
	require.NotNil(t, cache.Get("1"))

	delete(src.guilds, "1")
	require.NoError(t, loader.WarmGuild(context.Background(), "1"))
	assert.Nil(t, cache.Get("1"))
}

func TestRuleLoaderSourceFailure(t *testing.T) {
	src := &stubSource{err: errors.New("db down")}
	loader := NewRuleLoader(core.NewRuleCache(), src, nil, nil)

	_, err := loader.WarmAll(context.Background(), nil)
	assert.Error(t, err)

	n, err := loader.WarmAll(context.Background(), []string{"1", "2"})
	require.NoError(t, err)
	assert.Zero(t, n)
}
