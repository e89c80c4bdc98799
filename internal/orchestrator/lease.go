package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"docflow/internal/store"
)

// leaseFor is how long a claim on the job's current stage stays exclusive.
func (o *Orchestrator) leaseFor(job *store.Job) time.Duration {
	lease := o.cfg.LeaseDuration
	if !job.Done() {
		if t := o.stageTimeout(job.Snapshot.Stages[job.Cursor]); t > 0 && t+time.Minute > lease {
			lease = t + time.Minute
		}
	}
	return lease
}

// leaseKeeper renews a claimed job's lease while its stage runs, so a stage may outlive
// LeaseDuration without a duplicate message starting it a second time.
type leaseKeeper struct {
	stop chan struct{}
	done chan struct{}

	mu  sync.Mutex
	job *store.Job
}

func (o *Orchestrator) keepLease(ctx context.Context, repo store.TenantRepository, job *store.Job) *leaseKeeper {
	k := &leaseKeeper{stop: make(chan struct{}), done: make(chan struct{}), job: job}
	go func() {
		defer close(k.done)
		ticker := time.NewTicker(o.cfg.LeaseRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-k.stop:
				return
			case <-ticker.C:
				next, held := o.renewLease(ctx, repo, k.current())
				k.mu.Lock()
				k.job = next
				k.mu.Unlock()
				if !held {
					return
				}
			}
		}
	}()
	return k
}

func (k *leaseKeeper) current() *store.Job {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.job
}

// release stops renewing and returns the job as last written, for the post-stage commit.
func (k *leaseKeeper) release() *store.Job {
	close(k.stop)
	<-k.done
	return k.current()
}

// renewLease pushes LeaseUntil forward with a compare-and-set. It reports false once the
// lease is no longer ours: the job was cancelled or finished meanwhile.
func (o *Orchestrator) renewLease(ctx context.Context, repo store.TenantRepository, job *store.Job) (*store.Job, bool) {
	next := *job
	until := o.now().UTC().Add(o.leaseFor(job))
	next.LeaseUntil = &until

	err := repo.UpdateJob(ctx, &next)
	switch {
	case err == nil:
		return &next, true
	case errors.Is(err, store.ErrConflict):
		current, getErr := repo.GetJob(ctx, job.ID)
		if getErr == nil && current.LeaseOwner == job.LeaseOwner && !current.State.Terminal() {
			return current, true
		}
		o.logger.Info("job lease lost while its stage ran", "job_id", job.ID, "owner", job.LeaseOwner)
		return job, false
	default:
		o.logger.Warn("failed to renew job lease", "job_id", job.ID, "error", err)
		return job, true
	}
}
