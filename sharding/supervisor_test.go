package sharding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/repliq/repliq/pkg/envelope"
)

type recordingWorker struct {
	index int
	started chan int
}

func (w *recordingWorker) Run(ctx context.Context) error {
	select {
	case w.started <- w.index:
	default:
	}
	<-ctx.Done()
	return nil
}

func TestSupervisorStartsOneWorkerPerSliceRange(t *testing.T) {
	const n = 4
	started := make(chan int, n)

	var mu sync.Mutex
	seenRanges := make(map[int]envelope.SliceRange)

	sup := &Supervisor{
		N:               n,
		Client:          k8sfake.NewSimpleClientset(),
		Namespace:       "repliq-test",
		Identity:        "test-node",
		LeaseNamePrefix: "repliq-worker",
		Factory: func(index int, r envelope.SliceRange) Worker {
			mu.Lock()
			seenRanges[index] = r
			mu.Unlock()
			return &recordingWorker{index: index, started: started}
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()

	seen := make(map[int]bool)
	for len(seen) < n {
		select {
		case idx := <-started:
			seen[idx] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, only %d/%d workers started: %v", len(seen), n, seen)
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seenRanges, n)
	require.Equal(t, envelope.SliceRanges(n), rangesByIndex(seenRanges, n))
}

func rangesByIndex(m map[int]envelope.SliceRange, n int) []envelope.SliceRange {
	out := make([]envelope.SliceRange, n)
	for i := 0; i < n; i++ {
		out[i] = m[i]
	}
	return out
}
