package consumer

import (
	"github.com/repliq/repliq/internal/wire"
	"github.com/repliq/repliq/pkg/envelope"
	"github.com/repliq/repliq/pkg/filter"
)

func criterionToWire(c filter.Criterion) wire.Criterion {
	out := wire.Criterion{Kind: wire.CriterionKind(c.Kind), Values: c.Values}
	for pid, seqNr := range c.ReplayFrom {
		out.ReplayFrom = append(out.ReplayFrom, wire.PidSeqNr{PersistenceID: pid, SeqNr: seqNr})
	}
	return out
}

func offsetToWireC(o envelope.TimestampOffset) wire.Offset {
	seen := make([]wire.PidSeqNr, 0, len(o.Seen))
	for pid, seqNr := range o.Seen {
		seen = append(seen, wire.PidSeqNr{PersistenceID: pid, SeqNr: seqNr})
	}
	return wire.Offset{Timestamp: o.Timestamp, Seen: seen}
}

func envelopeFromWireEvent(e *wire.Event) envelope.EventEnvelope {
	env := envelope.EventEnvelope{
		PersistenceID: e.PersistenceID,
		SeqNr:         e.SeqNr,
		Slice:         e.Slice,
		Offset:        offsetFromWireC(e.Offset),
		Payload:       envelope.Any{TypeURL: e.Payload.TypeURL, Bytes: e.Payload.Bytes},
		Source:        e.Source,
		Tags:          e.Tags,
	}
	if e.Metadata != nil {
		env.Metadata = &envelope.Any{TypeURL: e.Metadata.TypeURL, Bytes: e.Metadata.Bytes}
	}
	return env
}

func envelopeFromWireFilteredEvent(e *wire.FilteredEvent) envelope.EventEnvelope {
	return envelope.EventEnvelope{
		PersistenceID: e.PersistenceID,
		SeqNr:         e.SeqNr,
		Slice:         e.Slice,
		Offset:        offsetFromWireC(e.Offset),
		Source:        e.Source,
	}
}

func offsetFromWireC(o wire.Offset) envelope.TimestampOffset {
	seen := make(map[string]int64, len(o.Seen))
	for _, ps := range o.Seen {
		seen[ps.PersistenceID] = ps.SeqNr
	}
	return envelope.TimestampOffset{Timestamp: o.Timestamp, Seen: seen}
}

// recordFromWire converts one StreamOut message to a Record. ok is false for
// a malformed message carrying neither Event nor FilteredEvent.
func recordFromWire(msg *wire.StreamOut) (Record, bool) {
	switch {
	case msg.Event != nil:
		return Record{Envelope: envelopeFromWireEvent(msg.Event)}, true
	case msg.FilteredEvent != nil:
		return Record{Envelope: envelopeFromWireFilteredEvent(msg.FilteredEvent), Filtered: true}, true
	}
	return Record{}, false
}
