package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/repliq/repliq/pkg/envelope"
	"github.com/repliq/repliq/pkg/filter"
	"github.com/repliq/repliq/replication/consumer"
)

func newReplayCmd() *cobra.Command {
	var streamID, pid string
	var fromSeq int64
	var sliceMin, sliceMax int32

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "force a replay of one entity's history from a given seq_nr, then keep tailing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if streamID == "" || pid == "" {
				return fmt.Errorf("--stream-id and --pid are required")
			}
			src, closeConn, err := dialSource(streamID, sliceMin, sliceMax)
			if err != nil {
				return err
			}
			defer closeConn()

			src.Filters = filter.NewSet()
			if err := src.Filters.Add(filter.Criterion{
				Kind:   filter.IncludeEntityIDs,
				Values: []string{pid},
			}); err != nil {
				return err
			}

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

			// The stream has to be open before a Replay message can be sent
			// on it; RequestReplay is a no-op until then, so retry briefly.
			go func() {
				replayOffsets := map[string]int64{pid: fromSeq}
				ticker := time.NewTicker(200 * time.Millisecond)
				defer ticker.Stop()
				for i := 0; i < 10; i++ {
					select {
					case <-ticker.C:
						if src.RequestReplay(replayOffsets) {
							return
						}
					case <-ctx.Done():
						return
					}
				}
			}()

			fmt.Fprintf(stdout, "%s requesting replay of %s from seq_nr %d (ctrl-c to stop)\n", okStatus, pid, fromSeq)

			for {
				select {
				case rec, ok := <-records:
					if !ok {
						return <-done
					}
					printRecord(rec)
				case err := <-done:
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&streamID, "stream-id", "", "stream the replayed entity belongs to")
	cmd.Flags().StringVar(&pid, "pid", "", "persistence id to replay")
	cmd.Flags().Int64Var(&fromSeq, "from-seq", 1, "seq_nr to replay from (inclusive)")
	cmd.Flags().Int32Var(&sliceMin, "slice-min", 0, "lower bound of the slice range carrying this entity")
	cmd.Flags().Int32Var(&sliceMax, "slice-max", envelope.SliceCount-1, "upper bound of the slice range carrying this entity")
	return cmd
}
