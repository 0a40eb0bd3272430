// Package cmd implements the command-line interface for dMux. It provides
// commands for running a node of a cluster and for benchmarking a cluster
// inside a single process.
//
// The package is organized into several subpackages:
//
//   - node: Runs one node (master or slave) over UDP and executes a demo workload
//   - bench: Benchmarks streaming, barriers and gathers on an in-memory network
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dmux -help for a list of all commands.
package cmd
