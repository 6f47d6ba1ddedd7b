package producer

import (
	"github.com/repliq/repliq/internal/wire"
	"github.com/repliq/repliq/pkg/envelope"
	"github.com/repliq/repliq/pkg/filter"
)

func wireToCriterion(c wire.Criterion) filter.Criterion {
	out := filter.Criterion{Kind: filter.Kind(c.Kind), Values: c.Values}
	if len(c.ReplayFrom) > 0 {
		out.ReplayFrom = make(map[string]int64, len(c.ReplayFrom))
		for _, po := range c.ReplayFrom {
			out.ReplayFrom[po.PersistenceID] = po.SeqNr
		}
	}
	return out
}

func offsetFromWire(o *wire.Offset) envelope.TimestampOffset {
	if o == nil {
		return envelope.NoOffset()
	}
	seen := make(map[string]int64, len(o.Seen))
	for _, ps := range o.Seen {
		seen[ps.PersistenceID] = ps.SeqNr
	}
	return envelope.TimestampOffset{Timestamp: o.Timestamp, Seen: seen}
}

func offsetToWire(o envelope.TimestampOffset) wire.Offset {
	seen := make([]wire.PidSeqNr, 0, len(o.Seen))
	for pid, seqNr := range o.Seen {
		seen = append(seen, wire.PidSeqNr{PersistenceID: pid, SeqNr: seqNr})
	}
	return wire.Offset{Timestamp: o.Timestamp, Seen: seen}
}

func eventToWire(env envelope.EventEnvelope) *wire.Event {
	out := &wire.Event{
		PersistenceID: env.PersistenceID,
		SeqNr:         env.SeqNr,
		Slice:         env.Slice,
		Offset:        offsetToWire(env.Offset),
		Payload:       wire.Any{TypeURL: env.Payload.TypeURL, Bytes: env.Payload.Bytes},
		Source:        env.Source,
		Tags:          env.Tags,
	}
	if env.Metadata != nil {
		out.Metadata = &wire.Any{TypeURL: env.Metadata.TypeURL, Bytes: env.Metadata.Bytes}
	}
	return out
}

func filteredEventToWire(env envelope.EventEnvelope) *wire.FilteredEvent {
	return &wire.FilteredEvent{
		PersistenceID: env.PersistenceID,
		SeqNr:         env.SeqNr,
		Slice:         env.Slice,
		Offset:        offsetToWire(env.Offset),
		Source:        env.Source,
	}
}
