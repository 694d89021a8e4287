package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"discord-automod-bot/internal/acl"
	"discord-automod-bot/internal/automod"
	"discord-automod-bot/internal/automod/background"
	"discord-automod-bot/internal/automod/core"
	"discord-automod-bot/internal/automod/scheduler"
	"discord-automod-bot/internal/bot"
	"discord-automod-bot/internal/config"

	"emperror.dev/errors"
	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "automod",
		Usage: "discord auto-moderation bot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to config.json or config.yaml",
				EnvVars: []string{"AUTOMOD_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "development logging",
			},
		},
		Commands: []*cli.Command{
			runCmd,
			sweepCmd,
			validateCmd,
		},
		DefaultCommand: "run",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup(cctx *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if cctx.Bool("debug") {
		cfg.Debug = true
	}

	var logger *zap.Logger
	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, errors.WrapIf(err, "failed to create logger")
	}
	return cfg, logger, nil
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "connect to discord and moderate",
	Action: func(cctx *cli.Context) error {
		cfg, logger, err := setup(cctx)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		res, err := openResources(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer res.Close()

		b, err := bot.New(cfg.Token, logger.Named("bot"))
		if err != nil {
			return err
		}

		inspector := acl.NewInspector(b.Session, res.Redis, logger.Named("acl"))
		channels := acl.NewChannelReporter(b.Session, b.LogsChannel, logger.Named("log_channel"))
		reporter := core.MultiReporter{core.NewLogReporter(logger.Named("report")), channels}

		svc, err := automod.New(automod.Deps{
			Store:      res.Store,
			Enforcer:   acl.NewEnforcer(b.Session, logger.Named("enforcer")),
			Rules:      res.Rules,
			Inspector:  inspector,
			Invalidate: res.Invalidate,
			Reporter:   reporter,
			Logger:     logger.Named("automod"),
		}, automod.Config{
			Scheduler: scheduler.Config{
				PollInterval: cfg.Scheduler.PollInterval,
				LockTimeout:  cfg.Scheduler.LockTimeout,
				RowTimeout:   cfg.Scheduler.RowTimeout,
			},
			IdleTTL:         cfg.Detector.IdleTTL,
			JanitorInterval: cfg.Detector.JanitorInterval,
			MaxParallel:     cfg.Detector.MaxParallel,
		})
		if err != nil {
			return err
		}
		b.Attach(ctx, svc, inspector)

		eg, egCtx := errgroup.WithContext(ctx)
		if cfg.MetricsAddr != "" {
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(res), ReadHeaderTimeout: 5 * time.Second}
			eg.Go(func() error {
				logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.WrapIf(err, "metrics server")
				}
				return nil
			})
			eg.Go(func() error {
				<-egCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}
		eg.Go(func() error {
			channels.Start(egCtx)
			defer channels.Stop()

			if err := b.Start(egCtx); err != nil {
				return err
			}
			<-egCtx.Done()
			return b.Close()
		})
		return eg.Wait()
	},
}

func metricsMux(res *resources) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := res.Ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

var sweepCmd = &cli.Command{
	Name:  "sweep",
	Usage: "reverse every expired punishment once and exit",
	Action: func(cctx *cli.Context) error {
		cfg, logger, err := setup(cctx)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		res, err := openResources(cctx.Context, cfg, logger)
		if err != nil {
			return err
		}
		defer res.Close()

		// REST only, the gateway is never opened
		session, err := discordgo.New("Bot " + cfg.Token)
		if err != nil {
			return errors.WrapIf(err, "session error")
		}

		s := scheduler.New(res.Store, acl.NewEnforcer(session, logger.Named("enforcer")), scheduler.Config{
			LockTimeout: cfg.Scheduler.LockTimeout,
			RowTimeout:  cfg.Scheduler.RowTimeout,
		}, scheduler.WithLogger(logger.Named("scheduler")))

		n := s.RunOnce(cctx.Context)
		fmt.Printf("reversed %d punishment(s)\n", n)
		return nil
	},
}

var validateCmd = &cli.Command{
	Name:      "validate",
	Usage:     "check a rules file without connecting to anything",
	ArgsUsage: "<rules.yaml>",
	Action: func(cctx *cli.Context) error {
		path := cctx.Args().First()
		if path == "" {
			return cli.Exit("usage: automod validate <rules.yaml>", 2)
		}
		src, err := background.LoadRuleFile(path)
		if err != nil {
			return err
		}

		ids, _ := src.GuildIDs(cctx.Context)
		failed := 0
		for _, id := range ids {
			g, _ := src.GuildRules(cctx.Context, id)
			if err := core.ValidateGuildRules(g); err != nil {
				failed++
				fmt.Printf("guild %s:\n", id)
				for _, e := range errors.GetErrors(err) {
					fmt.Printf("  - %v\n", e)
				}
				continue
			}
			fmt.Printf("guild %s: %d rule(s) ok\n", id, len(g.Rules))
		}
		if failed > 0 {
			return cli.Exit(fmt.Sprintf("%d guild(s) with invalid rules", failed), 1)
		}
		return nil
	},
}
