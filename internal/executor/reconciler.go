package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/throw-if-null/quill/internal/broker"
	"github.com/throw-if-null/quill/internal/store"
)

// StartReconciler periodically re-enqueues signals for running tasks
// whose last transition is older than grace. This repairs dispatch
// gaps: a signal lost after its transition committed, or an executor
// that died mid-phase. Redundant signals it produces are harmless
// because stale ones are dropped against persisted state.
func StartReconciler(ctx context.Context, st *store.Store, b broker.Broker, grace, interval time.Duration, log *slog.Logger) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			sigs, err := st.ListStalledRunning(grace)
			if err != nil {
				log.Error("reconcile sweep failed", "error", err.Error())
				continue
			}
			for _, sig := range sigs {
				if err := b.Enqueue(sig); err != nil {
					log.Warn("reconcile enqueue failed", "task_id", sig.TaskID, "error", err.Error())
					continue
				}
				log.Info("stalled task re-dispatched", "task_id", sig.TaskID, "phase", sig.Phase)
			}
		}
	}()
	return cancel
}
