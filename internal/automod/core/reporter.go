package core

import (
	"context"

	"go.uber.org/zap"
)

// LogReporter writes every report to a zap logger
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) fields(rep Report) []zap.Field {
	fields := []zap.Field{
		zap.String("guild_id", rep.GuildID),
		zap.String("user_id", rep.UserID),
		zap.String("punishment", string(rep.Punishment.Kind)),
	}
	if rep.Punishment.Duration != nil {
		fields = append(fields, zap.Duration("duration", *rep.Punishment.Duration))
	}
	if rep.Rule != nil {
		fields = append(fields, zap.Stringer("rule", rep.Rule))
	}
	if !rep.Expiry.IsZero() {
		fields = append(fields, zap.Time("expiry", rep.Expiry))
	}
	if rep.Err != nil {
		fields = append(fields, zap.Error(rep.Err))
	}
	return fields
}

func (r *LogReporter) PunishmentApplied(_ context.Context, rep Report) {
	r.logger.Info("punishment applied", r.fields(rep)...)
}

func (r *LogReporter) EnforcementFailed(_ context.Context, rep Report) {
	if IsPermanent(rep.Err) {
		r.logger.Error("punishment failed permanently", r.fields(rep)...)
		return
	}
	r.logger.Warn("punishment failed", r.fields(rep)...)
}

func (r *LogReporter) PunishmentReversed(_ context.Context, rep Report) {
	r.logger.Info("punishment reversed", r.fields(rep)...)
}

func (r *LogReporter) ReversalFailing(_ context.Context, rep Report) {
	r.logger.Warn("reversal failing, will retry", r.fields(rep)...)
}

func (r *LogReporter) ReversalRecovered(_ context.Context, rep Report) {
	r.logger.Info("reversal recovered", r.fields(rep)...)
}

// MultiReporter fans reports out to several reporters
type MultiReporter []Reporter

func (m MultiReporter) PunishmentApplied(ctx context.Context, rep Report) {
	for _, r := range m {
		r.PunishmentApplied(ctx, rep)
	}
}

func (m MultiReporter) EnforcementFailed(ctx context.Context, rep Report) {
	for _, r := range m {
		r.EnforcementFailed(ctx, rep)
	}
}

func (m MultiReporter) PunishmentReversed(ctx context.Context, rep Report) {
	for _, r := range m {
		r.PunishmentReversed(ctx, rep)
	}
}

func (m MultiReporter) ReversalFailing(ctx context.Context, rep Report) {
	for _, r := range m {
		r.ReversalFailing(ctx, rep)
	}
}

func (m MultiReporter) ReversalRecovered(ctx context.Context, rep Report) {
	for _, r := range m {
		r.ReversalRecovered(ctx, rep)
	}
}
