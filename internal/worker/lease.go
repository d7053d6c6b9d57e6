// Package worker implements the worker process: the lifecycle state machine,
// the per-task execution machine, and the lease manager that talks to the
// queue.
package worker

import (
	"context"
	"errors"
	"time"

	auditdomain "orchard/internal/domain/audit"
	taskdomain "orchard/internal/domain/task"
	"orchard/internal/observability"
	"orchard/internal/shared/async"
	"orchard/internal/shared/clock"
	"orchard/internal/shared/logging"
)

// LeaseManager wraps the store's claim protocol with worker identity, audit
// emission, and background renewal.
type LeaseManager struct {
	store         taskdomain.Store
	audit         auditdomain.Store
	metrics       *observability.MetricsCollector
	clock         clock.Clock
	logger        logging.Logger
	workerID      string
	leaseDuration time.Duration
}

func NewLeaseManager(store taskdomain.Store, audit auditdomain.Store, metrics *observability.MetricsCollector, clk clock.Clock, workerID string, leaseDuration time.Duration) *LeaseManager {
	return &LeaseManager{
		store:         store,
		audit:         audit,
		metrics:       metrics,
		clock:         clk,
		logger:        logging.NewComponentLogger("LeaseManager"),
		workerID:      workerID,
		leaseDuration: leaseDuration,
	}
}

func (lm *LeaseManager) WorkerID() string { return lm.workerID }

func (lm *LeaseManager) LeaseDuration() time.Duration { return lm.leaseDuration }

// Claim attempts to claim the next eligible row. Returns nil when the queue
// is empty.
func (lm *LeaseManager) Claim(ctx context.Context) (*taskdomain.Claim, error) {
	start := lm.clock.Now()
	claim, err := lm.store.ClaimNext(ctx, lm.workerID, start, lm.leaseDuration)
	latency := lm.clock.Since(start)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		lm.metrics.RecordClaim(ctx, "empty", latency)
		return nil, nil
	}

	outcome := "claimed"
	if claim.Recovered {
		outcome = "recovered"
		lm.logger.Warn("Took over expired lease for task %s from %s (try %d/%d)",
			claim.Task.ID, claim.PrevLockedBy, claim.Task.TryCount, claim.Task.MaxTries)
	}
	lm.metrics.RecordClaim(ctx, outcome, latency)

	lm.appendAudit(ctx, auditdomain.Event{
		Kind:       auditdomain.TaskClaimed,
		ResourceID: claim.Task.ID,
		UserHash:   claim.Task.UserHash,
		Tenant:     claim.Task.Tenant,
		Metadata: map[string]any{
			"worker_id": lm.workerID,
			"try_count": claim.Task.TryCount,
			"recovered": claim.Recovered,
		},
	})
	return claim, nil
}

// StartRenewal renews the lease in the background until stop is called. The
// returned channel closes if the claim is lost, signaling the task machine to
// abandon the attempt.
func (lm *LeaseManager) StartRenewal(ctx context.Context, taskID string) (stop func(), lost <-chan struct{}) {
	lostCh := make(chan struct{})
	renewCtx, cancel := context.WithCancel(ctx)
	interval := lm.leaseDuration / 3

	async.Go(lm.logger, "worker.lease-renewal", func() {
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-lm.clock.After(interval):
			}
			err := lm.store.RenewLease(renewCtx, taskID, lm.workerID, lm.clock.Now(), lm.leaseDuration)
			switch {
			case err == nil:
				lm.metrics.RecordLeaseRenewal(renewCtx, "ok")
			case errors.Is(err, taskdomain.ErrClaimLost):
				lm.metrics.RecordLeaseRenewal(renewCtx, "lost")
				lm.logger.Warn("Lost lease for task %s, abandoning attempt", taskID)
				close(lostCh)
				return
			case renewCtx.Err() != nil:
				return
			default:
				// Transient store trouble; the lease has slack until the
				// next tick.
				lm.logger.Warn("Lease renewal for task %s failed: %v", taskID, err)
			}
		}
	})
	return cancel, lostCh
}

// Recover sweeps expired leases back to pending and emits audit events for
// each recovered or exhausted row.
func (lm *LeaseManager) Recover(ctx context.Context) error {
	result, err := lm.store.RecoverExpired(ctx, lm.clock.Now())
	if err != nil {
		return err
	}
	if len(result.Recovered) == 0 && len(result.Exhausted) == 0 {
		return nil
	}

	lm.logger.Info("Recovery sweep: %d returned to pending, %d exhausted",
		len(result.Recovered), len(result.Exhausted))
	lm.metrics.RecordRecovery(ctx, len(result.Recovered), len(result.Exhausted))

	for _, rec := range result.Recovered {
		lm.appendAudit(ctx, auditdomain.Event{
			Kind:       auditdomain.LeaseRecovered,
			ResourceID: rec.TaskID,
			Metadata: map[string]any{
				"prev_locked_by": rec.PrevLockedBy,
				"swept_by":       lm.workerID,
			},
		})
	}
	for _, id := range result.Exhausted {
		lm.appendAudit(ctx, auditdomain.Event{
			Kind:       auditdomain.TaskError,
			ResourceID: id,
			Metadata: map[string]any{
				"reason":   taskdomain.MaxRetriesMessage,
				"swept_by": lm.workerID,
			},
		})
	}
	return nil
}

// appendAudit logs and moves on; the audit trail is best-effort relative to
// the task path.
func (lm *LeaseManager) appendAudit(ctx context.Context, event auditdomain.Event) {
	if lm.audit == nil {
		return
	}
	if err := lm.audit.Append(ctx, event); err != nil {
		lm.logger.Warn("Audit append failed for %s on %s: %v", event.Kind, event.ResourceID, err)
	}
}
