// Command repliq-consumer runs the sharded consumer daemon (spec §4.6): it
// holds exactly N projection workers live across the cluster, one per slice
// range, each consuming a replication stream from a producer and driving a
// projection.Projection under one delivery mode.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/repliq/repliq/internal/admin"
	"github.com/repliq/repliq/internal/config"
	"github.com/repliq/repliq/internal/grpcutil"
	"github.com/repliq/repliq/internal/wire"
	"github.com/repliq/repliq/pkg/envelope"
	"github.com/repliq/repliq/pkg/filter"
	"github.com/repliq/repliq/pkg/offsetstore"
	"github.com/repliq/repliq/projection"
	"github.com/repliq/repliq/replication/consumer"
	"github.com/repliq/repliq/sharding"
)

func modeFromString(s string) projection.Mode {
	switch s {
	case "exactly-once":
		return projection.ExactlyOnce
	case "grouped":
		return projection.AtLeastOnceGrouped
	default:
		return projection.AtLeastOnceAsync
	}
}

func main() {
	fs := pflag.NewFlagSet("repliq-consumer", pflag.ExitOnError)
	producerAddr := fs.String("producer-addr", "", "address of the producer's replication gRPC endpoint")
	workers := fs.Int("workers", 1, "number of slice-range workers this deployment runs cluster-wide")
	kubeconfig := fs.String("kubeconfig", "", "path to kubeconfig; empty uses in-cluster config")
	namespace := fs.String("namespace", "repliq", "namespace holding the per-worker Lease objects")
	leasePrefix := fs.String("lease-name-prefix", "repliq-consumer", "name prefix for the per-worker Lease objects")
	mode := fs.String("mode", "at-least-once", "projection delivery mode: at-least-once, exactly-once, or grouped")
	postgresDSN := fs.String("postgres-dsn", "", "offset store Postgres DSN; empty uses an in-memory store (single node only)")

	cfg, err := config.ParseAndConfigureLogging(fs, os.Args[1:])
	if err != nil {
		log.Fatalf("repliq-consumer: %s", err)
	}
	if *producerAddr == "" {
		log.Fatal("repliq-consumer: --producer-addr is required")
	}
	if cfg.StreamID == "" {
		log.Fatal("repliq-consumer: --stream-id is required")
	}

	identity, ok := os.LookupEnv("HOSTNAME")
	if !ok || identity == "" {
		var err error
		identity, err = os.Hostname()
		if err != nil || identity == "" {
			log.Fatal("repliq-consumer: failed to determine pod identity: neither HOSTNAME nor os.Hostname() is available")
		}
	}

	var ready atomic.Bool
	adminServer := admin.NewServer(cfg.AdminAddr, &ready)
	go func() {
		log.Infof("repliq-consumer: starting admin server on %s", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil {
			log.Debugf("repliq-consumer: admin server stopped: %s", err)
		}
	}()

	conn, err := grpcutil.Dial(*producerAddr)
	if err != nil {
		log.Fatalf("repliq-consumer: failed to dial producer at %s: %s", *producerAddr, err)
	}
	defer conn.Close()
	client := wire.NewReplicationClient(conn)

	store, err := newOffsetStore(*postgresDSN)
	if err != nil {
		log.Fatalf("repliq-consumer: failed to initialize offset store: %s", err)
	}

	restConfig, err := clientcmd.BuildConfigFromFlags("", *kubeconfig)
	if err != nil {
		log.Fatalf("repliq-consumer: failed to build kube config: %s", err)
	}
	k8sClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		log.Fatalf("repliq-consumer: failed to initialize Kubernetes client: %s", err)
	}

	deliveryMode := modeFromString(*mode)

	supervisor := &sharding.Supervisor{
		N:               *workers,
		Client:          k8sClient,
		Namespace:       *namespace,
		Identity:        identity,
		LeaseNamePrefix: *leasePrefix,
		Log:             log.WithField("component", "sharding"),
		Factory: func(index int, r envelope.SliceRange) sharding.Worker {
			return &projectionWorker{
				streamID: cfg.StreamID,
				client:   client,
				sliceRng: r,
				store:    store,
				mode:     deliveryMode,
				cfg:      cfg,
			}
		},
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := supervisor.Run(ctx); err != nil {
			log.Errorf("repliq-consumer: supervisor exited with error: %s", err)
		}
	}()

	ready.Store(true)

	<-stop
	log.Info("repliq-consumer: shutting down")
	cancel()
	<-done
	_ = adminServer.Shutdown(context.Background())
}

func newOffsetStore(postgresDSN string) (offsetstore.Store, error) {
	if postgresDSN == "" {
		return offsetstore.NewInMemory(), nil
	}
	return offsetstore.DialPostgres(postgresDSN)
}

// projectionWorker adapts one (stream_id, slice range) consumer.Source and
// projection.Projection pair into a sharding.Worker.
type projectionWorker struct {
	streamID string
	client   wire.ReplicationClient
	sliceRng envelope.SliceRange
	store    offsetstore.Store
	mode     projection.Mode
	cfg      config.Config
}

func (w *projectionWorker) Run(ctx context.Context) error {
	src := &consumer.Source{
		Client:     w.client,
		StreamID:   w.streamID,
		SliceRange: w.sliceRng,
		Filters:    filter.NewSet(),
		Backoff:    w.cfg.RestartBackoff(),
		Log:        log.WithField("slice_range", w.sliceRng),
	}

	p := &projection.Projection{
		ID:                 envelope.ProjectionID{Name: w.streamID, Key: envelope.ProjectionKey(w.streamID, w.sliceRng)},
		Source:             src,
		Store:              w.store,
		Mode:               w.mode,
		SaveAfterEnvelopes: w.cfg.SaveOffsetAfterN,
		SaveAfterDuration:  w.cfg.SaveOffsetAfterDur,
		RestartBackoff:     w.cfg.RestartBackoff(),
		Log:                log.WithField("slice_range", w.sliceRng),
		Handler: func(ctx context.Context, env envelope.EventEnvelope) error {
			log.WithFields(log.Fields{"pid": env.PersistenceID, "seq_nr": env.SeqNr}).Debug("repliq-consumer: delivered envelope")
			return nil
		},
	}

	return p.Run(ctx)
}
