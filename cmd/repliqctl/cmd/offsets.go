package cmd

import (
	"context"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/repliq/repliq/pkg/envelope"
	"github.com/repliq/repliq/pkg/offsetstore"
)

func requirePostgresStore() (*offsetstore.Postgres, error) {
	if postgresDSN == "" {
		return nil, fmt.Errorf("--postgres-dsn is required")
	}
	return offsetstore.DialPostgres(postgresDSN)
}

func newOffsetsCmd() *cobra.Command {
	offsetsCmd := &cobra.Command{
		Use:   "offsets",
		Short: "inspect persisted projection offsets",
	}
	offsetsCmd.AddCommand(newOffsetsListCmd())
	offsetsCmd.AddCommand(newOffsetsGetCmd())
	return offsetsCmd
}

func newOffsetsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list every persisted projection offset",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := requirePostgresStore()
			if err != nil {
				return err
			}
			rows, err := store.ListAll(cmd.Context())
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(stdout)
			table.SetHeader([]string{"NAME", "KEY", "TIMESTAMP", "VERSION"})
			for _, r := range rows {
				table.Append([]string{r.ID.Name, r.ID.Key, r.Offset.Timestamp.Format("2006-01-02T15:04:05Z07:00"), fmt.Sprint(r.Version)})
			}
			table.Render()
			return nil
		},
	}
}

func newOffsetsGetCmd() *cobra.Command {
	var name, key string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "show one projection's offset and seen map",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || key == "" {
				return fmt.Errorf("--name and --key are required")
			}
			store, err := requirePostgresStore()
			if err != nil {
				return err
			}
			off, version, err := store.Load(context.Background(), envelope.ProjectionID{Name: name, Key: key})
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s timestamp=%s version=%d\n", okStatus, off.Timestamp, version)
			for pid, seqNr := range off.Seen {
				fmt.Fprintf(stdout, "  %s -> %d\n", pid, seqNr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "projection name")
	cmd.Flags().StringVar(&key, "key", "", "projection key (stream_id-slice_min-slice_max)")
	return cmd
}
