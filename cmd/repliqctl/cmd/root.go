package cmd

import (
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// special handling so color codes are stripped when stdout isn't a tty,
	// the same switch the teacher's CLI uses.
	stdout = color.Output
	stderr = color.Error

	okStatus   = color.New(color.FgGreen, color.Bold).SprintFunc()("√")
	failStatus = color.New(color.FgRed, color.Bold).SprintFunc()("×")

	producerAddr string
	postgresDSN  string
	verbose      bool
)

// RootCmd represents the root cobra command.
var RootCmd = &cobra.Command{
	Use:   "repliqctl",
	Short: "repliqctl inspects and operates a repliq replication deployment",
	Long:  "repliqctl inspects and operates a repliq replication deployment.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.WarnLevel)
		}
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&producerAddr, "producer-addr", "", "address of a producer's replication gRPC endpoint")
	RootCmd.PersistentFlags().StringVar(&postgresDSN, "postgres-dsn", "", "offset store Postgres DSN (required for the offsets subcommand)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")

	RootCmd.AddCommand(newOffsetsCmd())
	RootCmd.AddCommand(newTailCmd())
	RootCmd.AddCommand(newReplayCmd())
}
