package automod

import (
	"context"
	"fmt"
	"testing"
	"time"

	"discord-automod-bot/internal/automod/background"
	"discord-automod-bot/internal/automod/engine"
	"discord-automod-bot/internal/models"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRules = `
guilds:
  - guild_id: "g"
    enabled: true
    ignore_admins: true
    rules:
      - kind: spam
        metric: mention_count
        size: 5
        instances: 1
        window: 10s
        enabled: true
        punishment:
          kind: kick
      - kind: raid
        metric: join_count
        size: 1
        instances: 3
        window: 1m
        enabled: true
        punishment:
          kind: ban
          duration: 1h
  - guild_id: "off"
    enabled: false
    rules:
      - kind: spam
        metric: message_count
        size: 1
        instances: 1
        window: 10s
        enabled: true
        punishment:
          kind: kick
`

type harness struct {
	svc   *Service
	store *memStore
	enf   *recorder
	clock *manualClock
	insp  *stubInspector
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	src, err := background.ParseRuleFile([]byte(testRules))
	require.NoError(t, err)

	h := &harness{
		store: newMemStore(),
		enf:   &recorder{},
		clock: &manualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		insp:  &stubInspector{admins: map[string]bool{}},
	}
	h.svc, err = New(Deps{
		Store:     h.store,
		Enforcer:  h.enf,
		Rules:     src,
		Inspector: h.insp,
		Clock:     h.clock.Now,
	}, Config{})
	require.NoError(t, err)

	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(h.svc.Stop)
	return h
}

func (h *harness) mentions(user string, n int) models.MessageEvent {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%d", i)
	}
	return models.MessageEvent{GuildID: "g", UserID: user, ChannelID: "c", MentionedUserIDs: ids, Timestamp: h.clock.Now()}
}

func (h *harness) join(user string) models.JoinEvent {
	return models.JoinEvent{GuildID: "g", UserID: user, Timestamp: h.clock.Now()}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}

func TestMentionBurstKicksOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	results := h.svc.handle(ctx, h.mentions("u1", 5))
	require.Len(t, results, 1)
	assert.Equal(t, engine.OutcomeApplied, results[0].Outcome)

	// the next message crosses again but falls into the same episode
	h.clock.Advance(time.Second)
	results = h.svc.handle(ctx, h.mentions("u1", 6))
	require.Len(t, results, 1)
	assert.Equal(t, engine.OutcomeSkipped, results[0].Outcome)

	assert.Empty(t, h.svc.handle(ctx, h.mentions("u2", 4)))
	assert.Equal(t, []string{"kick:u1"}, h.enf.Calls())
}

func TestAdminsAreExempt(t *testing.T) {
	h := newHarness(t)
	h.insp.admins["boss"] = true

	results := h.svc.handle(context.Background(), h.mentions("boss", 10))
	require.Len(t, results, 1)
	assert.Equal(t, engine.OutcomeSkipped, results[0].Outcome)
	assert.Equal(t, "administrator", results[0].Reason)
	assert.Empty(t, h.enf.Calls())
}

func TestInspectorFailureDoesNotExempt(t *testing.T) {
	h := newHarness(t)
	h.insp.err = errors.New("member lookup failed")

	results := h.svc.handle(context.Background(), h.mentions("u1", 5))
	require.Len(t, results, 1)
	assert.Equal(t, engine.OutcomeApplied, results[0].Outcome)
}

func TestDisabledGuildIsIgnored(t *testing.T) {
	h := newHarness(t)
	ev := models.MessageEvent{GuildID: "off", UserID: "u", Content: "hi", Timestamp: h.clock.Now()}
	assert.Empty(t, h.svc.handle(context.Background(), ev))
	assert.Empty(t, h.svc.handle(context.Background(), h.join("x")), "unknown guilds have no rules")
}

func TestRaidBansEveryJoinerAndReversesLater(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Empty(t, h.svc.handle(ctx, h.join("r1")))
	h.clock.Advance(time.Second)
	assert.Empty(t, h.svc.handle(ctx, h.join("r2")))
	h.clock.Advance(time.Second)

	results := h.svc.handle(ctx, h.join("r3"))
	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, engine.OutcomeApplied, res.Outcome)
		require.NotNil(t, res.Scheduled)
	}
	assert.ElementsMatch(t, []string{"ban:r1", "ban:r2", "ban:r3"}, h.enf.Calls())
	assert.Equal(t, 3, h.store.Len())

	// joins during the lockdown are banned on arrival
	h.clock.Advance(time.Second)
	results = h.svc.handle(ctx, h.join("r4"))
	require.Len(t, results, 1)
	assert.Equal(t, engine.OutcomeApplied, results[0].Outcome)
	assert.Equal(t, 4, h.store.Len())

	assert.Zero(t, h.svc.Sweep(ctx))
	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 4, h.svc.Sweep(ctx))
	assert.Zero(t, h.store.Len())
	assert.Subset(t, h.enf.Calls(), []string{"unban:r1", "unban:r2", "unban:r3", "unban:r4"})
}

func TestRaidLockdownEnds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.handle(ctx, h.join("r1"))
	h.svc.handle(ctx, h.join("r2"))
	require.Len(t, h.svc.handle(ctx, h.join("r3")), 3)

	h.clock.Advance(50 * time.Second)
	require.Len(t, h.svc.handle(ctx, h.join("late")), 1, "still inside the lockdown")

	// joins spaced wider than the rule allows are never banned once the lockdown is over
	for i := 0; i < 10; i++ {
		h.clock.Advance(50 * time.Second)
		assert.Empty(t, h.svc.handle(ctx, h.join(fmt.Sprint("slow", i))), "join %d", i)
	}
	assert.Equal(t, 4, h.store.Len())
}

func TestWarmGuildInvalidatesFirst(t *testing.T) {
	src, err := background.ParseRuleFile([]byte(testRules))
	require.NoError(t, err)

	var invalidated []string
	svc, err := New(Deps{
		Store:    newMemStore(),
		Enforcer: &recorder{},
		Rules:    src,
		Invalidate: func(_ context.Context, guildID string) {
			invalidated = append(invalidated, guildID)
		},
	}, Config{})
	require.NoError(t, err)

	assert.Nil(t, svc.Rules("g"))
	require.NoError(t, svc.WarmGuild(context.Background(), "g"))
	assert.Equal(t, []string{"g"}, invalidated)
	require.NotNil(t, svc.Rules("g"))
	assert.Len(t, svc.Rules("g").Rules, 2)
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Start(context.Background()))
	h.svc.Stop()
	h.svc.Stop()
}
