package ingest

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/calldeck/backend/db"
	"github.com/calldeck/backend/telemetry"
)

const (
	defaultSweepInterval = time.Minute
	sweepBatchSize       = 5
	sweepHeartbeatKey    = "job_artifact_sweep_last"
)

// StartArtifactSweepJob periodically re-attempts artifact resolution for
// finished sessions that still lack media URLs. It catches sessions whose
// terminal webhook was missed and sessions whose earlier resolution ended in
// "not ready". Runs until ctx is canceled; one cycle runs immediately on
// start.
func (in *Ingestor) StartArtifactSweepJob(ctx context.Context) {
	interval := defaultSweepInterval
	if v := os.Getenv("ARTIFACT_SWEEP_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			interval = time.Duration(secs) * time.Second
		}
	}
	slog.Info("artifact sweep job started", slog.Duration("interval", interval))

	in.sweepOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("artifact sweep job stopped")
			return
		case <-ticker.C:
			in.sweepOnce(ctx)
		}
	}
}

func (in *Ingestor) sweepOnce(ctx context.Context) {
	if telemetry.SweepCycles != nil {
		telemetry.SweepCycles.Inc()
	}
	_ = db.SetKV(ctx, in.DB, sweepHeartbeatKey, time.Now().UTC().Format(time.RFC3339))

	pending, err := db.PendingArtifactSessions(ctx, in.DB, sweepBatchSize)
	if err != nil {
		slog.Error("sweep: pending query failed", slog.Any("err", err))
		return
	}
	telemetry.SetPendingArtifacts(len(pending))
	if len(pending) == 0 {
		return
	}
	slog.Info("sweep: pending sessions found", slog.Int("count", len(pending)))

	for _, s := range pending {
		if s.BotID == "" {
			continue
		}
		if !in.acquire(s.TrackingID) {
			continue
		}
		err := in.ResolveAndPersist(ctx, s.TrackingID, s.BotID)
		in.release(s.TrackingID)
		if err != nil {
			slog.Warn("sweep: resolution incomplete",
				slog.String("tracking_id", s.TrackingID), slog.Any("err", err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}
