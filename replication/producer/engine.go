// Package producer implements the server side of the replication protocol:
// the AwaitInit/Streaming/Closing state machine spec §4.2 describes, wrapping
// a journal.Query with the producer's static filter and the consumer's
// dynamic filter.Set.
package producer

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/repliq/repliq/internal/wire"
	"github.com/repliq/repliq/pkg/envelope"
	"github.com/repliq/repliq/pkg/filter"
	"github.com/repliq/repliq/pkg/journal"
	"github.com/repliq/repliq/pkg/typeregistry"
)

// StreamConfig resolves one stream_id to the entity type it replicates and
// the static, producer-side predicate applied before the dynamic consumer
// filter (spec §4.2 step 1). A nil ProducerFilter passes every envelope.
type StreamConfig struct {
	EntityType     string
	ProducerFilter func(envelope.EventEnvelope) bool
}

// Engine implements wire.ReplicationServer.
type Engine struct {
	Streams           map[string]StreamConfig
	Journal           journal.Query
	Filters           FilterStore
	Types             *typeregistry.Registry
	ReplayParallelism int
	Log               *log.Entry
}

var _ wire.ReplicationServer = (*Engine)(nil)

func (e *Engine) logger() *log.Entry {
	if e.Log != nil {
		return e.Log
	}
	return log.NewEntry(log.StandardLogger())
}

func (e *Engine) replayParallelism() int {
	if e.ReplayParallelism <= 0 {
		return 4
	}
	return e.ReplayParallelism
}

// EventTimestamp implements the auxiliary RPC of the same name (spec §4.2).
func (e *Engine) EventTimestamp(ctx context.Context, req *wire.EventTimestampRequest) (*wire.EventTimestampResponse, error) {
	cfg, ok := e.Streams[req.StreamID]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "%v: %s", ErrUnknownStream, req.StreamID)
	}
	ts, err := e.Journal.EventTimestamp(ctx, cfg.EntityType, req.PersistenceID, req.SeqNr)
	if errors.Is(err, journal.ErrEventNotFound) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "journal: %v", err)
	}
	return &wire.EventTimestampResponse{Timestamp: ts}, nil
}

// LoadEvent implements the auxiliary RPC of the same name (spec §4.2).
func (e *Engine) LoadEvent(ctx context.Context, req *wire.LoadEventRequest) (*wire.LoadEventResponse, error) {
	cfg, ok := e.Streams[req.StreamID]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "%v: %s", ErrUnknownStream, req.StreamID)
	}
	env, err := e.Journal.LoadEvent(ctx, cfg.EntityType, req.PersistenceID, req.SeqNr)
	if errors.Is(err, journal.ErrEventNotFound) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "journal: %v", err)
	}
	if env.Backtracking {
		return &wire.LoadEventResponse{FilteredEvent: filteredEventToWire(env)}, nil
	}
	if err := e.Types.Require(env.Payload.TypeURL); err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "%v", err)
	}
	return &wire.LoadEventResponse{Event: eventToWire(env)}, nil
}

// ReplicateEvents implements the bidirectional streaming RPC: the
// AwaitInit/Streaming/Closing state machine.
func (e *Engine) ReplicateEvents(stream wire.ReplicationServer_ReplicateEventsServer) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		if err == io.EOF {
			e.logger().Warn("producer: stream closed before Init")
			return nil
		}
		return err
	}
	if first.Init == nil {
		return status.Error(codes.InvalidArgument, "first message on a replication stream must be Init")
	}
	init := first.Init

	cfg, ok := e.Streams[init.StreamID]
	if !ok {
		return status.Errorf(codes.InvalidArgument, "%v: %s", ErrUnknownStream, init.StreamID)
	}
	if init.SliceMin < 0 || init.SliceMax >= envelope.SliceCount || init.SliceMin > init.SliceMax {
		return status.Error(codes.InvalidArgument, ErrInvalidSliceRange.Error())
	}

	filterSet := e.Filters.Get(init.StreamID)
	for _, c := range init.Filter {
		if err := filterSet.Add(wireToCriterion(c)); err != nil {
			return status.Errorf(codes.InvalidArgument, "init filter: %v", err)
		}
	}

	offset := offsetFromWire(init.Offset)

	entry := e.logger().WithFields(log.Fields{
		"stream_id":      init.StreamID,
		"slice_min":      init.SliceMin,
		"slice_max":      init.SliceMax,
		"correlation_id": uuid.NewString(),
	})
	entry.Info("producer: stream entering Streaming state")

	return e.runStreaming(ctx, stream, init.StreamID, cfg, init.SliceMin, init.SliceMax, offset, filterSet, entry)
}

func (e *Engine) runStreaming(
	ctx context.Context,
	stream wire.ReplicationServer_ReplicateEventsServer,
	streamID string,
	cfg StreamConfig,
	sliceMin, sliceMax int32,
	offset envelope.TimestampOffset,
	filterSet *filter.Set,
	logger *log.Entry,
) error {
	envs, errc := e.Journal.EventsBySlices(ctx, cfg.EntityType, sliceMin, sliceMax, offset)

	var sendMu sync.Mutex
	incoming := make(chan *wire.StreamIn)
	recvErrc := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				recvErrc <- err
				return
			}
			select {
			case incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	replaySem := make(chan struct{}, e.replayParallelism())

	for {
		select {
		case env, ok := <-envs:
			if !ok {
				envs = nil
				continue
			}
			if err := e.emit(&sendMu, stream, filterSet, cfg, env); err != nil {
				return err
			}

		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			if err != nil {
				return status.Errorf(codes.Unavailable, "journal: %v", err)
			}

		case msg := <-incoming:
			if err := e.handleClientMessage(ctx, msg, streamID, cfg, filterSet, &sendMu, stream, replaySem, logger); err != nil {
				return err
			}

		case err := <-recvErrc:
			if err == io.EOF {
				logger.Info("producer: consumer closed stream")
				return nil
			}
			if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
				return nil
			}
			return err

		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) handleClientMessage(
	ctx context.Context,
	msg *wire.StreamIn,
	streamID string,
	cfg StreamConfig,
	filterSet *filter.Set,
	sendMu *sync.Mutex,
	stream wire.ReplicationServer_ReplicateEventsServer,
	replaySem chan struct{},
	logger *log.Entry,
) error {
	switch {
	case msg.Filter != nil:
		for i, c := range msg.Filter.Criteria {
			crit := wireToCriterion(c)
			if i < len(msg.Filter.Removes) && msg.Filter.Removes[i] {
				filterSet.Remove(crit)
				continue
			}
			if err := filterSet.Add(crit); err != nil {
				logger.WithError(err).Warn("producer: rejected filter criterion")
			}
		}
		return nil

	case msg.Replay != nil:
		for _, po := range msg.Replay.PidOffsets {
			po := po
			select {
			case replaySem <- struct{}{}:
				go func() {
					defer func() { <-replaySem }()
					e.replay(ctx, sendMu, stream, cfg, filterSet, po.PersistenceID, po.SeqNr, logger)
				}()
			case <-ctx.Done():
				return nil
			}
		}
		return nil

	case msg.Init != nil:
		return status.Error(codes.InvalidArgument, "Init may only be sent once, as the first message")
	}
	return nil
}

func (e *Engine) emit(sendMu *sync.Mutex, stream wire.ReplicationServer_ReplicateEventsServer, filterSet *filter.Set, cfg StreamConfig, env envelope.EventEnvelope) error {
	if env.Backtracking {
		// Backtracking redelivery repair is explicitly out of scope here
		// (spec §9 open question); we skip rather than forward an envelope
		// with no payload as a full Event.
		e.logger().WithField("pid", env.PersistenceID).Warn("producer: skipping unsupported backtracking envelope")
		return nil
	}
	if cfg.ProducerFilter != nil && !cfg.ProducerFilter(env) {
		return nil
	}
	if floor, ok := filterSet.ReplayFloor(env.PersistenceID); ok && env.SeqNr < floor {
		// A replay for this entity is in flight below floor; the live stream
		// would otherwise redeliver what the replay is already sending.
		return e.sendLocked(sendMu, stream, &wire.StreamOut{FilteredEvent: filteredEventToWire(env)})
	}

	switch filterSet.Evaluate(env) {
	case filter.Suppress:
		return e.sendLocked(sendMu, stream, &wire.StreamOut{FilteredEvent: filteredEventToWire(env)})
	default:
		if err := e.Types.Require(env.Payload.TypeURL); err != nil {
			return status.Errorf(codes.FailedPrecondition, "%v", err)
		}
		return e.sendLocked(sendMu, stream, &wire.StreamOut{Event: eventToWire(env)})
	}
}

func (e *Engine) sendLocked(mu *sync.Mutex, stream wire.ReplicationServer_ReplicateEventsServer, out *wire.StreamOut) error {
	mu.Lock()
	defer mu.Unlock()
	return stream.Send(out)
}
