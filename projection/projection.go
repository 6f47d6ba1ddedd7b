// Package projection drives envelopes delivered by a replication/consumer
// Source through a user handler and advances a durable offset, under one of
// the three delivery modes spec §4.4 describes.
package projection

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/repliq/repliq/pkg/envelope"
	"github.com/repliq/repliq/pkg/offsetstore"
	"github.com/repliq/repliq/replication/consumer"
)

// Mode selects the delivery contract spec §4.4 describes.
type Mode int

const (
	// AtLeastOnceAsync commits the offset in a background group after the
	// handler succeeds; a crash can re-deliver the uncommitted tail.
	AtLeastOnceAsync Mode = iota
	// ExactlyOnce requires the offset write to observe the same version the
	// handler ran against; a version conflict surfaces as ErrConsistency
	// rather than being silently retried (spec §7: "it cannot recover
	// safely").
	ExactlyOnce
	// AtLeastOnceGrouped batches envelopes and invokes the handler once per
	// batch, committing the offset after the batch handler returns.
	AtLeastOnceGrouped
)

// EventHandler processes one envelope. Called for AtLeastOnceAsync and
// ExactlyOnce; never called for a Record whose Filtered flag is set, since a
// FilteredEvent carries no payload to hand to application code.
type EventHandler func(ctx context.Context, env envelope.EventEnvelope) error

// BatchHandler processes a batch of envelopes, for AtLeastOnceGrouped.
type BatchHandler func(ctx context.Context, envs []envelope.EventEnvelope) error

// defaultRestartBackoff matches spec §4.4's stated default.
func defaultRestartBackoff() wait.Backoff {
	return wait.Backoff{Duration: 200 * time.Millisecond, Cap: 5 * time.Second, Factor: 1.1, Jitter: 0.1, Steps: 1 << 30}
}

// Sourcer is the subset of *consumer.Source the projection runtime depends
// on; tests substitute a fake implementation.
type Sourcer interface {
	Run(ctx context.Context, startOffset envelope.TimestampOffset, out chan<- consumer.Record) error
}

// Projection drives one (stream, slice_range) source through a handler under
// one Mode, restarting with backoff on any handler or transport failure
// other than ErrConsistency.
type Projection struct {
	ID      envelope.ProjectionID
	Source  Sourcer
	Store   offsetstore.Store
	Mode    Mode
	Handler EventHandler
	Batch   BatchHandler

	SaveAfterEnvelopes int
	SaveAfterDuration  time.Duration
	RestartBackoff     wait.Backoff
	Log                *log.Entry
}

func (p *Projection) logger() *log.Entry {
	if p.Log != nil {
		return p.Log
	}
	return log.NewEntry(log.StandardLogger()).WithField("projection", p.ID.Name+"/"+p.ID.Key)
}

func (p *Projection) restartBackoff() wait.Backoff {
	if p.RestartBackoff.Duration == 0 {
		return defaultRestartBackoff()
	}
	return p.RestartBackoff
}

func (p *Projection) saveAfterEnvelopes() int {
	if p.SaveAfterEnvelopes <= 0 {
		return 1
	}
	return p.SaveAfterEnvelopes
}

func (p *Projection) saveAfterDuration() time.Duration {
	if p.SaveAfterDuration <= 0 {
		return time.Second
	}
	return p.SaveAfterDuration
}

// Run drives the projection until ctx is cancelled (graceful stop, spec
// §4.4's "stop" lifecycle step), restarting on failure per the backoff
// schedule. On every restart the offset is re-read from the durable store,
// never from in-memory state, per spec §4.4. ErrConsistency is not retried:
// Run returns it to the caller.
func (p *Projection) Run(ctx context.Context) error {
	backoff := p.restartBackoff()

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := p.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConsistency) {
			return err
		}

		delay := backoff.Step()
		p.logger().WithError(err).WithField("restart_in", delay).Warn("projection: restarting after failure")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Projection) runOnce(ctx context.Context) error {
	offset, version, err := p.Store.Load(ctx, p.ID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	records := make(chan consumer.Record, 64)
	srcErrc := make(chan error, 1)
	go func() { srcErrc <- p.Source.Run(runCtx, offset, records) }()

	var runErr error
	switch p.Mode {
	case ExactlyOnce:
		runErr = p.runExactlyOnce(runCtx, records, version)
	case AtLeastOnceGrouped:
		runErr = p.runGrouped(runCtx, records)
	default:
		runErr = p.runAtLeastOnceAsync(runCtx, records)
	}

	cancel()
	<-srcErrc
	return runErr
}

func (p *Projection) handle(ctx context.Context, rec consumer.Record) error {
	if rec.Filtered || p.Handler == nil {
		return nil
	}
	return p.Handler(ctx, rec.Envelope)
}

func (p *Projection) runAtLeastOnceAsync(ctx context.Context, records <-chan consumer.Record) error {
	ticker := time.NewTicker(p.saveAfterDuration())
	defer ticker.Stop()

	var pending envelope.TimestampOffset
	var dirty int

	flush := func() error {
		if dirty == 0 {
			return nil
		}
		if err := p.Store.Save(ctx, p.ID, pending); err != nil {
			return err
		}
		dirty = 0
		return nil
	}

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return flush()
			}
			if err := p.handle(ctx, rec); err != nil {
				return err
			}
			pending = rec.NextOffset
			dirty++
			if dirty >= p.saveAfterEnvelopes() {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}

		case <-ctx.Done():
			return flush()
		}
	}
}

func (p *Projection) runExactlyOnce(ctx context.Context, records <-chan consumer.Record, version int64) error {
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			if err := p.handle(ctx, rec); err != nil {
				return err
			}
			if err := p.Store.SaveIfVersion(ctx, p.ID, rec.NextOffset, version); err != nil {
				if errors.Is(err, offsetstore.ErrConflict) {
					return ErrConsistency
				}
				return err
			}
			version++

		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Projection) runGrouped(ctx context.Context, records <-chan consumer.Record) error {
	ticker := time.NewTicker(p.saveAfterDuration())
	defer ticker.Stop()

	batch := make([]envelope.EventEnvelope, 0, p.saveAfterEnvelopes())
	var pending envelope.TimestampOffset
	var dirty bool

	flush := func() error {
		if !dirty {
			return nil
		}
		if p.Batch != nil && len(batch) > 0 {
			if err := p.Batch(ctx, batch); err != nil {
				return err
			}
		}
		if err := p.Store.Save(ctx, p.ID, pending); err != nil {
			return err
		}
		batch = batch[:0]
		dirty = false
		return nil
	}

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return flush()
			}
			if !rec.Filtered {
				batch = append(batch, rec.Envelope)
			}
			pending = rec.NextOffset
			dirty = true
			if len(batch) >= p.saveAfterEnvelopes() {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}

		case <-ctx.Done():
			return flush()
		}
	}
}
