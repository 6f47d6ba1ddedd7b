// Package sharding implements the sharded daemon supervisor (spec §4.6): it
// maintains exactly N long-lived workers across a cluster, each pinned to a
// slice range, using a Kubernetes Lease per worker to enforce that no two
// nodes ever run the same worker at once.
package sharding

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/repliq/repliq/pkg/envelope"
)

const (
	leaseDuration      = 15 * time.Second
	leaseRenewDeadline = 10 * time.Second
	leaseRetryPeriod   = 2 * time.Second
)

// Worker is one long-lived projection instance pinned to a slice range. Run
// must block until ctx is cancelled, completing any in-flight offset commit
// before returning (spec §4.4's "stop" contract).
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFactory builds the Worker for slice range r, identified by its
// 0-based index among the N requested workers.
type WorkerFactory func(index int, r envelope.SliceRange) Worker

// Supervisor holds exactly N workers live across the cluster, regardless of
// node churn, by running one leader election per worker over a dedicated
// Lease object.
type Supervisor struct {
	N         int
	Client    kubernetes.Interface
	Namespace string
	// Identity must be unique per process (e.g. pod name); it is the value
	// recorded as the current Lease holder.
	Identity string
	// LeaseNamePrefix names the per-worker Lease objects: "<prefix>-<index>".
	LeaseNamePrefix string
	Factory         WorkerFactory
	Log             *log.Entry

	// placement caches the last-observed leader identity per worker index,
	// for operator inspection via CurrentLeader; it expires an entry if its
	// worker hasn't reported a new leader in placementTTL, so a node that
	// silently dropped out of the election doesn't leave a stale answer.
	placement *cache.Cache
}

const placementTTL = 2 * leaseDuration

// CurrentLeader returns the last-observed Lease holder for worker index, if
// one has been seen recently. Only meaningful after Run has started.
func (s *Supervisor) CurrentLeader(index int) (string, bool) {
	if s.placement == nil {
		return "", false
	}
	v, ok := s.placement.Get(placementCacheKey(index))
	if !ok {
		return "", false
	}
	return v.(string), true
}

func placementCacheKey(index int) string {
	return fmt.Sprintf("worker-%d", index)
}

func (s *Supervisor) logger() *log.Entry {
	if s.Log != nil {
		return s.Log
	}
	return log.NewEntry(log.StandardLogger())
}

// Run computes the N slice ranges and starts one leader-elected supervisor
// goroutine per worker, blocking until ctx is cancelled. On cancellation,
// every worker currently holding its lease releases it after Worker.Run
// returns (ReleaseOnCancel), propagating the stop signal to every live
// worker per spec §4.6's "Control" responsibility.
func (s *Supervisor) Run(ctx context.Context) error {
	ranges := envelope.SliceRanges(s.N)
	s.placement = cache.New(placementTTL, placementTTL/2)

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			s.runWorkerElection(gctx, i, r)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) runWorkerElection(ctx context.Context, index int, r envelope.SliceRange) {
	logger := s.logger().WithFields(log.Fields{"worker": index, "slice_min": r.Min, "slice_max": r.Max})
	worker := s.Factory(index, r)

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s-%d", s.LeaseNamePrefix, index),
			Namespace: s.Namespace,
		},
		Client: s.Client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: s.Identity,
		},
	}

	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		ReleaseOnCancel: true,
		LeaseDuration:   leaseDuration,
		RenewDeadline:   leaseRenewDeadline,
		RetryPeriod:     leaseRetryPeriod,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(leCtx context.Context) {
				logger.Info("sharding: acquired worker lease")
				done := make(chan struct{})
				go func() {
					defer close(done)
					if err := worker.Run(leCtx); err != nil {
						logger.WithError(err).Error("sharding: worker exited with error")
					}
				}()
				// Block until the worker has fully stopped, so handoff to
				// the next holder never overlaps with this one (spec §7's
				// "split-brain during rebalance" requirement).
				<-leCtx.Done()
				<-done
			},
			OnStoppedLeading: func() {
				logger.Info("sharding: released worker lease")
			},
			OnNewLeader: func(identity string) {
				s.placement.Set(placementCacheKey(index), identity, cache.DefaultExpiration)
				if identity == s.Identity {
					logger.Info("sharding: this node is now the worker leader")
				}
			},
		},
	})
}
