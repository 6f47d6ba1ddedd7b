package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/repliq/repliq/internal/grpcutil"
	"github.com/repliq/repliq/internal/wire"
	"github.com/repliq/repliq/pkg/envelope"
	"github.com/repliq/repliq/pkg/filter"
	"github.com/repliq/repliq/replication/consumer"
)

func dialSource(streamID string, sliceMin, sliceMax int32) (*consumer.Source, func(), error) {
	if producerAddr == "" {
		return nil, nil, fmt.Errorf("--producer-addr is required")
	}
	conn, err := grpcutil.Dial(producerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", producerAddr, err)
	}
	src := &consumer.Source{
		Client:     wire.NewReplicationClient(conn),
		StreamID:   streamID,
		SliceRange: envelope.SliceRange{Min: sliceMin, Max: sliceMax},
		Filters:    filter.NewSet(),
	}
	return src, func() { conn.Close() }, nil
}

func newTailCmd() *cobra.Command {
	var streamID string
	var sliceMin, sliceMax int32
	var excludeTags []string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "tail a live replication stream and print envelopes as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if streamID == "" {
				return fmt.Errorf("--stream-id is required")
			}
			src, closeConn, err := dialSource(streamID, sliceMin, sliceMax)
			if err != nil {
				return err
			}
			defer closeConn()

			if len(excludeTags) > 0 {
				src.Filters = filter.NewSet()
				if err := src.Filters.Add(filter.Criterion{Kind: filter.ExcludeTags, Values: excludeTags}); err != nil {
					return err
				}
			}

			spin := spinner.New(spinner.CharSets[9], 100*time.Millisecond)
			spin.Suffix = fmt.Sprintf("  connecting to %s...", producerAddr)
			spin.Start()

			ctx, cancel := context.WithCancel(context.Background())
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-stop
				cancel()
			}()

			records := make(chan consumer.Record, 64)
			done := make(chan error, 1)
			go func() { done <- src.Run(ctx, envelope.NoOffset(), records) }()

			first := true
			for {
				select {
				case rec, ok := <-records:
					if !ok {
						<-done
						return nil
					}
					if first {
						spin.Stop()
						first = false
					}
					printRecord(rec)
				case err := <-done:
					spin.Stop()
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&streamID, "stream-id", "", "stream to tail")
	cmd.Flags().Int32Var(&sliceMin, "slice-min", 0, "lower bound of the slice range to tail (inclusive)")
	cmd.Flags().Int32Var(&sliceMax, "slice-max", envelope.SliceCount-1, "upper bound of the slice range to tail (inclusive)")
	cmd.Flags().StringSliceVar(&excludeTags, "exclude-tag", nil, "suppress envelopes carrying this tag (repeatable)")
	return cmd
}

func printRecord(rec consumer.Record) {
	if rec.Filtered {
		fmt.Fprintf(stdout, "[filtered] %s/%d @ %s\n", rec.Envelope.PersistenceID, rec.Envelope.SeqNr, rec.NextOffset.Timestamp)
		return
	}
	fmt.Fprintf(stdout, "%s %s/%d type=%s tags=%v @ %s\n",
		okStatus, rec.Envelope.PersistenceID, rec.Envelope.SeqNr, rec.Envelope.Payload.TypeURL, rec.Envelope.Tags, rec.NextOffset.Timestamp)
}
