// Package consumer implements the consumer-side source provider: it opens a
// replication stream against a producer, resuming from a durable offset,
// reconnecting with backoff on disconnect and re-establishing filter state
// on every reconnect (spec §4.5).
package consumer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/repliq/repliq/internal/wire"
	"github.com/repliq/repliq/pkg/envelope"
	"github.com/repliq/repliq/pkg/filter"
)

// Record is one delivery out of a Source: either a full envelope or a
// filtered placeholder, carrying the offset to advance to once it has been
// handled.
type Record struct {
	Envelope   envelope.EventEnvelope
	Filtered   bool
	NextOffset envelope.TimestampOffset
}

// Source opens and maintains one replication stream for one (stream_id,
// slice_range) pair.
type Source struct {
	Client     wire.ReplicationClient
	StreamID   string
	SliceRange envelope.SliceRange
	Filters    *filter.Set
	Backoff    wait.Backoff
	Log        *log.Entry

	mu      sync.Mutex
	pending chan *wire.StreamIn
}

func (s *Source) logger() *log.Entry {
	if s.Log != nil {
		return s.Log
	}
	return log.NewEntry(log.StandardLogger())
}

func (s *Source) backoff() wait.Backoff {
	if s.Backoff.Duration == 0 {
		return wait.Backoff{Duration: 200 * time.Millisecond, Cap: 30 * time.Second, Factor: 2.0, Steps: 1 << 30}
	}
	return s.Backoff
}

// ApplyFilter sends an incremental Filter update on the currently open
// stream, if any, and records the mutation in the local mirror so it is
// replayed via Init on the next reconnect.
func (s *Source) ApplyFilter(add []filter.Criterion, remove []filter.Criterion) {
	for _, c := range remove {
		s.Filters.Remove(c)
	}
	for _, c := range add {
		_ = s.Filters.Add(c)
	}

	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending == nil {
		return
	}

	msg := &wire.Filter{}
	for _, c := range remove {
		msg.Criteria = append(msg.Criteria, criterionToWire(c))
		msg.Removes = append(msg.Removes, true)
	}
	for _, c := range add {
		msg.Criteria = append(msg.Criteria, criterionToWire(c))
		msg.Removes = append(msg.Removes, false)
	}
	select {
	case pending <- &wire.StreamIn{Filter: msg}:
	default:
	}
}

// RequestReplay asks the producer to replay each entity in pidOffsets from
// its given seq_nr inclusive, on the currently open stream. It reports
// whether the request was actually queued; it is a no-op (false) if no
// stream is currently open, so callers needing a replay as soon as a stream
// connects should retry until it returns true.
func (s *Source) RequestReplay(pidOffsets map[string]int64) bool {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending == nil {
		return false
	}

	replay := &wire.Replay{}
	for pid, seqNr := range pidOffsets {
		replay.PidOffsets = append(replay.PidOffsets, wire.PidSeqNr{PersistenceID: pid, SeqNr: seqNr})
	}
	select {
	case pending <- &wire.StreamIn{Replay: replay}:
		return true
	default:
		return false
	}
}

// Run connects and reconnects indefinitely until ctx is cancelled, emitting
// Records on out. startOffset seeds the very first connection; subsequent
// reconnects resume from the most recent in-memory offset, per spec §4.5.
func (s *Source) Run(ctx context.Context, startOffset envelope.TimestampOffset, out chan<- Record) error {
	backoff := s.backoff()
	current := startOffset

	for {
		if ctx.Err() != nil {
			return nil
		}

		next, err := s.runOnce(ctx, current, out)
		current = next

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}

		delay := backoff.Step()
		s.logger().WithError(err).WithField("retry_in", delay).Warn("consumer: replication stream disconnected, reconnecting")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Source) runOnce(ctx context.Context, offset envelope.TimestampOffset, out chan<- Record) (envelope.TimestampOffset, error) {
	stream, err := s.Client.ReplicateEvents(ctx)
	if err != nil {
		return offset, err
	}

	pending := make(chan *wire.StreamIn, 16)
	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	}()

	var wireOffset *wire.Offset
	if !offset.IsEmpty() {
		o := offsetToWireC(offset)
		wireOffset = &o
	}
	init := &wire.Init{
		StreamID: s.StreamID,
		SliceMin: s.SliceRange.Min,
		SliceMax: s.SliceRange.Max,
		Offset:   wireOffset,
	}
	for _, c := range s.Filters.Snapshot() {
		init.Filter = append(init.Filter, criterionToWire(c))
	}
	if err := stream.Send(&wire.StreamIn{Init: init}); err != nil {
		return offset, err
	}

	sendErrc := make(chan error, 1)
	go func() {
		for msg := range pending {
			if err := stream.Send(msg); err != nil {
				sendErrc <- err
				return
			}
		}
	}()

	recvCh := make(chan *wire.StreamOut)
	recvErrc := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				recvErrc <- err
				return
			}
			select {
			case recvCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	current := offset
	for {
		select {
		case msg := <-recvCh:
			rec, ok := recordFromWire(msg)
			if !ok {
				continue
			}
			current = current.Advance(rec.Envelope)
			rec.NextOffset = current

			select {
			case out <- rec:
			case <-ctx.Done():
				return current, nil
			}

		case err := <-recvErrc:
			if err == io.EOF || errors.Is(err, context.Canceled) {
				return current, nil
			}
			return current, err

		case err := <-sendErrc:
			return current, err

		case <-ctx.Done():
			return current, nil
		}
	}
}
