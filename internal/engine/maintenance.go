package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/scrypster/chatsense/internal/storage"
	"github.com/scrypster/chatsense/pkg/types"
)

// scheduleTick is how often the trigger loop checks for due report and Q&A
// extraction work.
const scheduleTick = time.Minute

// maintenanceLoop runs the periodic janitorial work: lease reclaim,
// retention sweeps, index reoptimization, and the scheduled task triggers.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	defer e.workerWaitGroup.Done()

	reclaimEvery := e.cfg.Lease / 2
	if reclaimEvery < 10*time.Second {
		reclaimEvery = 10 * time.Second
	}
	reclaim := time.NewTicker(reclaimEvery)
	sweep := time.NewTicker(e.cfg.SweepInterval)
	reoptimize := time.NewTicker(e.cfg.ReoptimizeInterval)
	schedule := time.NewTicker(scheduleTick)
	defer reclaim.Stop()
	defer sweep.Stop()
	defer reoptimize.Stop()
	defer schedule.Stop()

	// Windows already triggered this process lifetime. A restart may
	// re-trigger a window; extraction re-runs merge into existing entries,
	// so the redo is harmless.
	triggered := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaim.C:
			e.reclaimExpired(ctx)
		case <-sweep.C:
			e.runSweeps(ctx)
		case <-reoptimize.C:
			e.index.Reoptimize()
		case <-schedule.C:
			e.triggerReports(ctx, triggered)
			e.triggerExtractions(ctx, triggered)
		}
	}
}

func (e *Engine) reclaimExpired(ctx context.Context) {
	n, err := e.stores.Tasks.ReclaimExpired(ctx, e.cfg.Lease, e.cfg.RetryPolicy)
	if err != nil {
		log.Printf("WARNING: lease reclaim failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Reclaimed %d expired task leases", n)
	}
}

func (e *Engine) runSweeps(ctx context.Context) {
	if n, err := e.stores.Tasks.SweepTerminal(ctx, e.cfg.SweepAge); err != nil {
		log.Printf("WARNING: terminal task sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("Swept %d terminal tasks", n)
	}

	now := time.Now().UTC()
	if e.cfg.AnalysisRetention > 0 {
		if n, err := e.stores.Analyses.SweepOlderThan(ctx, now.Add(-e.cfg.AnalysisRetention)); err != nil {
			log.Printf("WARNING: analysis sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("Swept %d expired analyses", n)
		}
	}
	if e.cfg.EmbeddingRetention > 0 {
		ids, err := e.stores.Embeddings.SweepOlderThan(ctx, now.Add(-e.cfg.EmbeddingRetention))
		if err != nil {
			log.Printf("WARNING: embedding sweep failed: %v", err)
		} else if len(ids) > 0 {
			for _, id := range ids {
				e.index.Remove(id)
			}
			log.Printf("Swept %d expired embeddings", len(ids))
		}
	}
}

// triggerReports enqueues the daily report for yesterday once the local
// clock passes the configured hour, and the weekly report on Mondays. The
// stored report is the durable idempotency check across restarts.
func (e *Engine) triggerReports(ctx context.Context, triggered map[string]struct{}) {
	now := time.Now().In(e.loc)
	if now.Hour() < e.cfg.DailyHour {
		return
	}
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")

	e.triggerReport(ctx, triggered, types.ReportDaily, yesterday)
	if now.Weekday() == time.Monday {
		e.triggerReport(ctx, triggered, types.ReportWeekly, yesterday)
	}
}

func (e *Engine) triggerReport(ctx context.Context, triggered map[string]struct{}, typ types.ReportType, date string) {
	id := reportTaskID(typ, date)
	if _, ok := triggered[id]; ok {
		return
	}
	if _, err := e.stores.Reports.Get(ctx, date, typ); err == nil {
		triggered[id] = struct{}{}
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Printf("WARNING: report existence check failed for %s %s: %v", typ, date, err)
		return
	}

	if err := e.enqueue(ctx, id, "", types.TaskSummarizeBatch, types.DefaultTaskPriority); err != nil {
		log.Printf("WARNING: failed to schedule %s report for %s: %v", typ, date, err)
		return
	}
	triggered[id] = struct{}{}
	log.Printf("Scheduled %s report for %s", typ, date)
}

// triggerExtractions enqueues Q&A extraction for the most recently
// completed window of every room active in it.
func (e *Engine) triggerExtractions(ctx context.Context, triggered map[string]struct{}) {
	windowStart := time.Now().UTC().Truncate(e.cfg.ExtractWindow).Add(-e.cfg.ExtractWindow)

	rooms, err := e.stores.Messages.ActiveRooms(ctx, windowStart)
	if err != nil {
		log.Printf("WARNING: active room listing failed: %v", err)
		return
	}
	for _, room := range rooms {
		id := qaTaskID(room, windowStart)
		if _, ok := triggered[id]; ok {
			continue
		}
		if err := e.enqueue(ctx, id, room, types.TaskExtractQA, types.DefaultTaskPriority); err != nil {
			log.Printf("WARNING: failed to schedule extraction for room %s: %v", room, err)
			continue
		}
		triggered[id] = struct{}{}
	}
}
