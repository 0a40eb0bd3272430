package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dMux/cmd/bench"
	"github.com/ValentinKolb/dMux/cmd/node"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dmux",
		Short: "reliable multi-pipe messaging over datagrams",
		Long: fmt.Sprintf(`dMux (v%s)

A cluster multiplexer written in Go. One master and any number of slaves
share a single UDP socket per node to carry reliable, ordered pipes from
the master to all slaves, plus barriers and gathers.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dMux",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dMux v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(node.NodeCmd)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
