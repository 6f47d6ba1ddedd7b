// Command repliq-producer serves the producer side of the replication
// protocol (spec §4.2): it wraps a journal.Query with the stream_id ->
// entity-type mapping loaded from a YAML config file, and exposes it over
// gRPC plus an admin HTTP surface.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"sigs.k8s.io/yaml"

	"github.com/repliq/repliq/internal/admin"
	"github.com/repliq/repliq/internal/config"
	"github.com/repliq/repliq/internal/grpcutil"
	"github.com/repliq/repliq/internal/wire"
	"github.com/repliq/repliq/pkg/journal"
	"github.com/repliq/repliq/pkg/typeregistry"
	"github.com/repliq/repliq/replication/producer"
)

// streamsFile is the on-disk shape of --streams-config: one entry per
// stream_id this producer serves, naming the entity type it replicates and
// the payload type_urls its journal may emit.
type streamsFile struct {
	Streams map[string]struct {
		EntityType string   `json:"entityType"`
		TypeURLs   []string `json:"typeUrls"`
	} `json:"streams"`
}

func loadStreams(path string) (map[string]producer.StreamConfig, *typeregistry.Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var parsed streamsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, err
	}

	streams := make(map[string]producer.StreamConfig, len(parsed.Streams))
	types := typeregistry.New()
	for streamID, s := range parsed.Streams {
		streams[streamID] = producer.StreamConfig{EntityType: s.EntityType}
		for _, u := range s.TypeURLs {
			types.Register(u)
		}
	}
	return streams, types, nil
}

func main() {
	fs := pflag.NewFlagSet("repliq-producer", pflag.ExitOnError)
	streamsConfigPath := fs.String("streams-config", "", "path to a YAML file mapping stream_id to entity type and registered payload type_urls")

	cfg, err := config.ParseAndConfigureLogging(fs, os.Args[1:])
	if err != nil {
		log.Fatalf("repliq-producer: %s", err)
	}

	if *streamsConfigPath == "" {
		log.Fatal("repliq-producer: --streams-config is required")
	}
	streams, types, err := loadStreams(*streamsConfigPath)
	if err != nil {
		log.Fatalf("repliq-producer: failed to load streams config: %s", err)
	}

	var ready atomic.Bool
	adminServer := admin.NewServer(cfg.AdminAddr, &ready)
	go func() {
		log.Infof("repliq-producer: starting admin server on %s", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("repliq-producer: admin server error: %s", err)
		}
	}()

	journalQuery := newJournal()

	engine := &producer.Engine{
		Streams:           streams,
		Journal:           journalQuery,
		Filters:           producer.NewCachedFilterStore(),
		Types:             types,
		ReplayParallelism: cfg.ReplayParallelism,
		Log:               log.WithField("component", "producer"),
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatalf("repliq-producer: failed to listen on %s: %s", cfg.Addr, err)
	}

	server := grpcutil.NewServer()
	wire.RegisterReplicationServer(server, engine)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Infof("repliq-producer: serving %d stream(s) on %s", len(streams), cfg.Addr)
		if err := server.Serve(lis); err != nil {
			log.Errorf("repliq-producer: gRPC server error: %s", err)
		}
	}()

	ready.Store(true)

	<-stop
	log.Info("repliq-producer: shutting down")
	server.GracefulStop()
	_ = adminServer.Shutdown(context.Background())
}

// newJournal returns the journal.Query this producer wraps. Production
// deployments supply their own backend; the in-memory query stands in here
// because the owning service's journal schema is out of scope (spec §1).
func newJournal() journal.Query {
	return journal.NewInMemory()
}
