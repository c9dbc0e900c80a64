package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dSync/cmd/bench"
	"github.com/ValentinKolb/dSync/cmd/serve"
	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dsync",
		Short: "real-time collaboration backbone",
		Long: fmt.Sprintf(`dSync (v%s)

A real-time collaboration backbone written in Go. Documents converge via
a conflict-free replicated sequence, diffs fan out to local sessions and
across nodes over a relay, and snapshots are persisted asynchronously.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dSync",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dSync v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("serializer to use (json, gob, binary)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
