// Package wire defines the replication transport's message schema (spec §6)
// and the plumbing to carry it over an HTTP/2 bidirectional gRPC stream
// without a protoc-generated stub: a small, hand-rolled grpc.ServiceDesc
// paired with a gob-based grpc codec. See DESIGN.md for why this substitutes
// for the usual protoc-gen-go codegen step in this environment.
package wire

import "time"

// Any is the wire form of envelope.Any: an opaque payload carried by a
// stable type URL, e.g. "type.googleapis.com/orders.Placed".
type Any struct {
	TypeURL string
	Bytes   []byte
}

// PidSeqNr pairs a persistence_id with a seq_nr, used both in Offset.Seen and
// in Replay requests.
type PidSeqNr struct {
	PersistenceID string
	SeqNr         int64
}

// Offset is the wire form of envelope.TimestampOffset. An absent offset
// (Timestamp's zero value) means "from the beginning".
type Offset struct {
	Timestamp time.Time
	Seen      []PidSeqNr
}

// CriterionKind mirrors filter.Kind on the wire.
type CriterionKind int32

const (
	ExcludeTags CriterionKind = iota
	IncludeTags
	ExcludeEntityIDs
	IncludeEntityIDs
	ExcludeRegexEntityIDs
	IncludeRegexEntityIDs
)

// Criterion is the wire form of filter.Criterion.
type Criterion struct {
	Kind       CriterionKind
	Values     []string
	ReplayFrom []PidSeqNr
}

// Init is the first message a client must send on a ReplicateEvents stream
// (spec §4.2, "AwaitInit").
type Init struct {
	StreamID string
	SliceMin int32
	SliceMax int32
	Offset   *Offset
	Filter   []Criterion
}

// Filter mutates the active filter set incrementally. Each entry is an Add
// unless its matching Removes slot is true.
type Filter struct {
	Criteria []Criterion
	Removes  []bool
}

// Replay requests replay of each listed entity from SeqNr inclusive.
type Replay struct {
	PidOffsets []PidSeqNr
}

// StreamIn is a client->server message on ReplicateEvents. Exactly one of
// Init, Filter, Replay is non-nil, mirroring a protobuf oneof.
type StreamIn struct {
	Init   *Init
	Filter *Filter
	Replay *Replay
}

// Event is a full, server->client event delivery.
type Event struct {
	PersistenceID string
	SeqNr         int64
	Slice         int32
	Offset        Offset
	Payload       Any
	Source        string
	Metadata      *Any
	Tags          []string
}

// FilteredEvent is a placeholder emitted in place of a suppressed Event, so
// the consumer can advance its per-entity seq_nr tracking without a gap.
type FilteredEvent struct {
	PersistenceID string
	SeqNr         int64
	Slice         int32
	Offset        Offset
	Source        string
}

// StreamOut is a server->client message on ReplicateEvents. Exactly one of
// Event, FilteredEvent is non-nil.
type StreamOut struct {
	Event         *Event
	FilteredEvent *FilteredEvent
}

// EventTimestampRequest/Response serve the auxiliary RPC of the same name.
type EventTimestampRequest struct {
	StreamID      string
	PersistenceID string
	SeqNr         int64
}

type EventTimestampResponse struct {
	Timestamp time.Time
}

// LoadEventRequest/Response serve the auxiliary RPC of the same name.
type LoadEventRequest struct {
	StreamID      string
	PersistenceID string
	SeqNr         int64
}

type LoadEventResponse struct {
	Event         *Event
	FilteredEvent *FilteredEvent
}
