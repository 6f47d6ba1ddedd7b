package producer

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/repliq/repliq/internal/wire"
	"github.com/repliq/repliq/pkg/envelope"
	"github.com/repliq/repliq/pkg/journal"
	"github.com/repliq/repliq/pkg/typeregistry"
	"github.com/stretchr/testify/require"
)

// fakeStream implements wire.ReplicationServer_ReplicateEventsServer over
// in-process channels, standing in for a real grpc.ServerStream in tests.
type fakeStream struct {
	ctx  context.Context
	in   chan *wire.StreamIn
	out  chan *wire.StreamOut
	done chan struct{}
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{
		ctx:  ctx,
		in:   make(chan *wire.StreamIn, 16),
		out:  make(chan *wire.StreamOut, 16),
		done: make(chan struct{}),
	}
}

func (f *fakeStream) Send(m *wire.StreamOut) error {
	select {
	case f.out <- m:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

func (f *fakeStream) Recv() (*wire.StreamIn, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-f.done:
		return nil, errClientClosed
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	}
}

func (f *fakeStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeStream) SetTrailer(metadata.MD)       {}
func (f *fakeStream) Context() context.Context     { return f.ctx }
func (f *fakeStream) SendMsg(m interface{}) error  { return f.Send(m.(*wire.StreamOut)) }
func (f *fakeStream) RecvMsg(m interface{}) error {
	got, err := f.Recv()
	if err != nil {
		return err
	}
	*m.(*wire.StreamIn) = *got
	return nil
}

func (f *fakeStream) close() { close(f.done) }

var errClientClosed = status.Error(codes.Canceled, "fake stream closed")

func testEnvelope(pid string, seqNr int64, ts time.Time, tags ...string) envelope.EventEnvelope {
	return envelope.EventEnvelope{
		PersistenceID: pid,
		SeqNr:         seqNr,
		Slice:         envelope.Slice(pid),
		Offset:        envelope.TimestampOffset{Timestamp: ts, Seen: map[string]int64{pid: seqNr}},
		Payload:       envelope.Any{TypeURL: "type.googleapis.com/test.Event", Bytes: []byte("x")},
		Source:        "test",
	}
}

func newTestEngine(j journal.Query, entityType string) *Engine {
	return &Engine{
		Streams: map[string]StreamConfig{
			"orders": {EntityType: entityType},
		},
		Journal: j,
		Filters: NewInMemoryFilterStore(),
		Types:   typeregistry.New("type.googleapis.com/test.Event"),
	}
}

func TestScenario2EmitsInOrder(t *testing.T) {
	j := journal.NewInMemory()
	base := time.Unix(1000, 0)
	j.Append("orders", testEnvelope("a", 1, base.Add(1*time.Second)))
	j.Append("orders", testEnvelope("a", 2, base.Add(2*time.Second)))
	j.Append("orders", testEnvelope("a", 3, base.Add(3*time.Second)))

	e := newTestEngine(j, "orders")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := newFakeStream(ctx)
	stream.in <- &wire.StreamIn{Init: &wire.Init{StreamID: "orders", SliceMin: 0, SliceMax: envelope.SliceCount - 1}}

	errc := make(chan error, 1)
	go func() { errc <- e.ReplicateEvents(stream) }()

	for _, want := range []int64{1, 2, 3} {
		select {
		case msg := <-stream.out:
			require.NotNil(t, msg.Event)
			require.Equal(t, "a", msg.Event.PersistenceID)
			require.Equal(t, want, msg.Event.SeqNr)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for seq_nr %d", want)
		}
	}

	stream.close()
	cancel()
	<-errc
}

func TestScenario6SkipsAlreadySeenAtSameTimestamp(t *testing.T) {
	j := journal.NewInMemory()
	t5 := time.Unix(2000, 5)
	j.Append("orders", testEnvelope("x", 4, t5))
	j.Append("orders", testEnvelope("y", 9, t5))

	e := newTestEngine(j, "orders")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := newFakeStream(ctx)
	offset := wire.Offset{Timestamp: t5, Seen: []wire.PidSeqNr{{PersistenceID: "x", SeqNr: 4}}}
	stream.in <- &wire.StreamIn{Init: &wire.Init{StreamID: "orders", SliceMin: 0, SliceMax: envelope.SliceCount - 1, Offset: &offset}}

	errc := make(chan error, 1)
	go func() { errc <- e.ReplicateEvents(stream) }()

	select {
	case msg := <-stream.out:
		require.NotNil(t, msg.Event)
		require.Equal(t, "y", msg.Event.PersistenceID)
		require.Equal(t, int64(9), msg.Event.SeqNr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for y/9")
	}

	select {
	case msg := <-stream.out:
		t.Fatalf("expected no further emission, got %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}

	stream.close()
	cancel()
	<-errc
}

func TestAwaitInitRejectsNonInitFirstMessage(t *testing.T) {
	j := journal.NewInMemory()
	e := newTestEngine(j, "orders")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := newFakeStream(ctx)
	stream.in <- &wire.StreamIn{Replay: &wire.Replay{}}

	err := e.ReplicateEvents(stream)
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestScenario4And5FilterEvaluation(t *testing.T) {
	j := journal.NewInMemory()
	base := time.Unix(3000, 0)
	envA := testEnvelope("entity-a", 1, base.Add(time.Second))
	envA.Tags = []string{"small", "large"}
	j.Append("orders", envA)
	envB := testEnvelope("b", 7, base.Add(2*time.Second))
	envB.Tags = []string{"small"}
	j.Append("orders", envB)

	e := newTestEngine(j, "orders")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := newFakeStream(ctx)
	stream.in <- &wire.StreamIn{Init: &wire.Init{
		StreamID: "orders",
		SliceMax: envelope.SliceCount - 1,
		Filter: []wire.Criterion{
			{Kind: wire.ExcludeTags, Values: []string{"small"}},
			{Kind: wire.IncludeTags, Values: []string{"large"}},
		},
	}}

	errc := make(chan error, 1)
	go func() { errc <- e.ReplicateEvents(stream) }()

	select {
	case msg := <-stream.out:
		require.NotNil(t, msg.Event, "excluded-then-reincluded envelope must emit as Event")
		require.Equal(t, "entity-a", msg.Event.PersistenceID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for entity-a")
	}

	select {
	case msg := <-stream.out:
		require.NotNil(t, msg.FilteredEvent, "excluded-only envelope must emit as FilteredEvent")
		require.Equal(t, "b", msg.FilteredEvent.PersistenceID)
		require.Equal(t, int64(7), msg.FilteredEvent.SeqNr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for b's FilteredEvent")
	}

	stream.close()
	cancel()
	<-errc
}

func TestReplayFloorSuppressesLiveEnvelopesBelowIt(t *testing.T) {
	j := journal.NewInMemory()
	base := time.Unix(4000, 0)
	below := testEnvelope("entity-a", 2, base.Add(time.Second))
	j.Append("orders", below)
	atFloor := testEnvelope("entity-a", 5, base.Add(2*time.Second))
	j.Append("orders", atFloor)

	e := newTestEngine(j, "orders")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := newFakeStream(ctx)
	stream.in <- &wire.StreamIn{Init: &wire.Init{
		StreamID: "orders",
		SliceMax: envelope.SliceCount - 1,
		Filter: []wire.Criterion{
			{
				Kind:       wire.IncludeEntityIDs,
				Values:     []string{"entity-a"},
				ReplayFrom: []wire.PidSeqNr{{PersistenceID: "entity-a", SeqNr: 5}},
			},
		},
	}}

	errc := make(chan error, 1)
	go func() { errc <- e.ReplicateEvents(stream) }()

	select {
	case msg := <-stream.out:
		require.NotNil(t, msg.FilteredEvent, "seq_nr below the replay floor must be suppressed on the live stream")
		require.Equal(t, int64(2), msg.FilteredEvent.SeqNr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for below-floor envelope")
	}

	select {
	case msg := <-stream.out:
		require.NotNil(t, msg.Event, "seq_nr at/above the replay floor must still emit normally")
		require.Equal(t, int64(5), msg.Event.SeqNr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for at-floor envelope")
	}

	stream.close()
	cancel()
	<-errc
}

func TestAwaitInitRejectsUnknownStream(t *testing.T) {
	j := journal.NewInMemory()
	e := newTestEngine(j, "orders")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := newFakeStream(ctx)
	stream.in <- &wire.StreamIn{Init: &wire.Init{StreamID: "unknown", SliceMax: envelope.SliceCount - 1}}

	err := e.ReplicateEvents(stream)
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
