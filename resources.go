package main

import (
	"context"

	"discord-automod-bot/internal/automod/background"
	"discord-automod-bot/internal/automod/core"
	"discord-automod-bot/internal/cache"
	"discord-automod-bot/internal/config"
	"discord-automod-bot/internal/database"
	"discord-automod-bot/internal/redis"

	"emperror.dev/errors"
	"go.uber.org/zap"
)

// resources are the storage backends selected by the config
type resources struct {
	DB    *database.Database // nil when neither the store nor the rules need SQL
	Redis *redis.Client      // nil when unreachable or not configured
	Store core.Store
	Rules background.RuleSource
	// Invalidate drops cached rules, nil without a cache
	Invalidate func(ctx context.Context, guildID string)

	cache *cache.Cache
}

func openResources(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*resources, error) {
	res := &resources{}

	needRedis := cfg.Store == config.StoreRedis || cfg.Redis.Addr != ""
	if needRedis {
		rdb, err := redis.New(ctx, cfg.Redis)
		switch {
		case err == nil:
			res.Redis = rdb
		case cfg.Store == config.StoreRedis:
			return nil, errors.WrapIf(err, "redis store unavailable")
		default:
			// redis only backs caches here
			logger.Warn("redis unavailable, caches are memory only", zap.Error(err))
		}
	}

	needSQL := cfg.Store != config.StoreRedis || cfg.RulesFile == ""
	if needSQL {
		var err error
		if cfg.Store == config.StoreSQLite {
			res.DB, err = database.NewSQLite(cfg.SQLitePath)
		} else {
			res.DB, err = database.NewDatabase(cfg.Postgres)
		}
		if err != nil {
			res.Close()
			return nil, errors.WrapIf(err, "failed to open database")
		}
	}

	switch cfg.Store {
	case config.StoreRedis:
		res.Store = res.Redis.TimedPunishments()
	default:
		res.Store = res.DB.TimedPunishments()
	}

	var source background.RuleSource
	if cfg.RulesFile != "" {
		fs, err := background.LoadRuleFile(cfg.RulesFile)
		if err != nil {
			res.Close()
			return nil, err
		}
		source = fs
	} else {
		source = res.DB
	}

	c, err := cache.NewCache(source, res.Redis, cache.Config{})
	if err != nil {
		res.Close()
		return nil, err
	}
	res.cache = c
	res.Rules = c
	res.Invalidate = c.Invalidate

	logger.Info("storage ready",
		zap.String("store", cfg.Store),
		zap.Bool("redis", res.Redis != nil),
		zap.Bool("rules_file", cfg.RulesFile != ""))
	return res, nil
}

// Ping checks every open backend
func (r *resources) Ping(ctx context.Context) error {
	var errs []error
	if r.DB != nil {
		if err := r.DB.Ping(ctx); err != nil {
			errs = append(errs, errors.WrapIf(err, "database"))
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Ping(ctx); err != nil {
			errs = append(errs, errors.WrapIf(err, "redis"))
		}
	}
	return errors.Combine(errs...)
}

func (r *resources) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
	if r.DB != nil {
		r.DB.Close()
	}
	if r.Redis != nil {
		r.Redis.Close()
	}
}
