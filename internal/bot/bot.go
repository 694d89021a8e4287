package bot

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"discord-automod-bot/internal/acl"
	"discord-automod-bot/internal/automod"
	"discord-automod-bot/internal/ingest"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type Bot struct {
	Session   *discordgo.Session
	Automod   *automod.Service
	Inspector *acl.Inspector
	Logger    *zap.Logger
	StartTime time.Time

	ctx context.Context
}

// New creates the Discord session. Handlers are registered by Attach.
func New(token string, logger *zap.Logger) (*Bot, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("session error: %w", err)
	}

	tr := &http.Transport{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		IdleConnTimeout:       120 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       50,
		ResponseHeaderTimeout: 10 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	s.Client = &http.Client{
		Transport: &MetricsTransport{Base: tr},
		Timeout:   15 * time.Second,
	}

	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent

	// members and roles back the admin and hierarchy checks, messages are never needed
	s.StateEnabled = true
	s.State.TrackMembers = true
	s.State.TrackRoles = true
	s.State.TrackVoice = true
	s.State.TrackChannels = false
	s.State.TrackEmojis = false
	s.State.TrackPresences = false
	s.State.MaxMessageCount = 0

	s.ShouldReconnectOnError = true
	s.ShouldRetryOnRateLimit = true
	s.MaxRestRetries = 3

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		Session:   s,
		Logger:    logger,
		StartTime: time.Now(),
	}, nil
}

// Attach registers the automod handlers. ctx bounds every event handled by automod.
func (b *Bot) Attach(ctx context.Context, svc *automod.Service, inspector *acl.Inspector) {
	b.ctx = ctx
	b.Automod = svc
	b.Inspector = inspector

	gateway := ingest.NewGateway(ctx, svc, b.Logger.Named("ingest"))
	b.Session.AddHandler(gateway.HandleEvent)
	b.Session.AddHandler(b.Ready)
	b.Session.AddHandler(b.GuildCreate)
	b.Session.AddHandler(b.GuildMemberUpdate)
	b.Session.AddHandler(b.GuildRoleUpdate)
}

// LogsChannel returns the automod log channel of a guild, "" when none is configured
func (b *Bot) LogsChannel(guildID string) string {
	if b.Automod == nil {
		return ""
	}
	if g := b.Automod.Rules(guildID); g != nil {
		return g.LogsChannel
	}
	return ""
}

// Start connects to the gateway and starts automod. It returns once both are running.
func (b *Bot) Start(ctx context.Context) error {
	b.Logger.Info("connecting to discord gateway")
	if err := b.Session.Open(); err != nil {
		return fmt.Errorf("gateway connection failed: %w", err)
	}

	if b.Session.State.User == nil {
		u, err := b.Session.User("@me", discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("failed to get bot user: %w", err)
		}
		b.Session.State.User = u
	}
	b.Logger.Info("connected",
		zap.String("user", b.Session.State.User.Username),
		zap.String("user_id", b.Session.State.User.ID))

	if b.Automod != nil {
		if err := b.Automod.Start(ctx); err != nil {
			return fmt.Errorf("failed to start automod: %w", err)
		}
	}

	go b.monitorHeartbeat(ctx)
	return nil
}

func (b *Bot) Close() error {
	b.Logger.Info("shutting down")
	if b.Automod != nil {
		b.Automod.Stop()
	}
	return b.Session.Close()
}

func (b *Bot) monitorHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			latency := b.Session.HeartbeatLatency()
			heartbeatLatency.Set(latency.Seconds())
			if latency > 500*time.Millisecond {
				b.Logger.Warn("high gateway latency", zap.Duration("latency", latency))
			}
		}
	}
}
