// Command automod-sim drives synthetic spam and raid bursts through automod with a
// SQLite store and an enforcer that only logs, for checking rule files by hand.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"discord-automod-bot/internal/automod"
	"discord-automod-bot/internal/automod/background"
	"discord-automod-bot/internal/database"
	"discord-automod-bot/internal/models"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const defaultRules = `
guilds:
  - guild_id: "1000"
    enabled: true
    mute_role_id: "42"
    rules:
      - kind: spam
        metric: mention_count
        size: 5
        instances: 3
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
          duration: 2m
      - kind: raid
        metric: join_count
        size: 1
        instances: 10
        window: 30s
        enabled: true
        punishment:
          kind: ban
          duration: 1h
`

// clock is a manually advanced time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// logEnforcer performs every action by logging it
type logEnforcer struct {
	logger *zap.Logger
}

func (e logEnforcer) do(action, guildID, userID, reason string) error {
	e.logger.Info(action, zap.String("guild_id", guildID), zap.String("user_id", userID), zap.String("reason", reason))
	return nil
}

func (e logEnforcer) Kick(_ context.Context, g, u, r string) error    { return e.do("kick", g, u, r) }
func (e logEnforcer) Ban(_ context.Context, g, u, r string) error     { return e.do("ban", g, u, r) }
func (e logEnforcer) Softban(_ context.Context, g, u, r string) error { return e.do("softban", g, u, r) }
func (e logEnforcer) VoiceMute(_ context.Context, g, u, r string) error {
	return e.do("voice_mute", g, u, r)
}
func (e logEnforcer) Deafen(_ context.Context, g, u, r string) error { return e.do("deafen", g, u, r) }
func (e logEnforcer) AddRole(_ context.Context, g, u, role, r string) error {
	return e.do("add_role "+role, g, u, r)
}
func (e logEnforcer) Unban(_ context.Context, g, u, r string) error { return e.do("unban", g, u, r) }
func (e logEnforcer) VoiceUnmute(_ context.Context, g, u, r string) error {
	return e.do("voice_unmute", g, u, r)
}
func (e logEnforcer) Undeafen(_ context.Context, g, u, r string) error {
	return e.do("undeafen", g, u, r)
}
func (e logEnforcer) RemoveRole(_ context.Context, g, u, role, r string) error {
	return e.do("remove_role "+role, g, u, r)
}

func main() {
	app := &cli.App{
		Name:  "automod-sim",
		Usage: "simulate spam and raid bursts against a rules file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rules", Usage: "rules YAML, a built-in set is used when empty"},
			&cli.StringFlag{Name: "guild", Value: "1000", Usage: "guild to simulate"},
			&cli.IntFlag{Name: "raiders", Value: 12, Usage: "members joining in the raid burst"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var src *background.FileSource
	if path := cctx.String("rules"); path != "" {
		src, err = background.LoadRuleFile(path)
	} else {
		src, err = background.ParseRuleFile([]byte(defaultRules))
	}
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "automod-sim")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	db, err := database.NewSQLite(filepath.Join(dir, "sim.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	store := db.TimedPunishments()

	clk := &clock{now: time.Now()}
	svc, err := automod.New(automod.Deps{
		Store:    store,
		Enforcer: logEnforcer{logger: logger.Named("enforcer")},
		Rules:    src,
		Logger:   logger,
		Clock:    clk.Now,
	}, automod.Config{})
	if err != nil {
		return err
	}

	ctx := cctx.Context
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	guildID := cctx.String("guild")
	if svc.Rules(guildID) == nil {
		return fmt.Errorf("guild %s has no rules", guildID)
	}

	fmt.Println("== mention burst from user 1")
	for i := 0; i < 4; i++ {
		svc.HandleMessage(ctx, models.MessageEvent{
			GuildID:          guildID,
			UserID:           "1",
			ChannelID:        "10",
			MessageID:        strconv.Itoa(100 + i),
			Content:          "hi all",
			MentionedUserIDs: []string{"2", "3", "4", "5", "6"},
			Timestamp:        clk.Advance(time.Second),
		})
	}

	fmt.Println("== message flood from user 7")
	for i := 0; i < 10; i++ {
		svc.HandleMessage(ctx, models.MessageEvent{
			GuildID:   guildID,
			UserID:    "7",
			ChannelID: "10",
			MessageID: strconv.Itoa(200 + i),
			Content:   "buy now",
			Timestamp: clk.Advance(200 * time.Millisecond),
		})
	}

	fmt.Printf("== raid of %d joins\n", cctx.Int("raiders"))
	for i := 0; i < cctx.Int("raiders"); i++ {
		svc.HandleJoin(ctx, models.JoinEvent{
			GuildID:   guildID,
			UserID:    strconv.Itoa(5000 + i),
			Timestamp: clk.Advance(500 * time.Millisecond),
		})
	}

	pending, err := store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("== %d reversal(s) scheduled, jumping two hours ahead\n", pending)

	clk.Advance(2 * time.Hour)
	fmt.Printf("== sweep reversed %d punishment(s)\n", svc.Sweep(ctx))
	return nil
}
