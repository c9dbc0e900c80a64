// Package cmd implements the command-line interface for the dSync
// collaboration backbone. It provides a hierarchical command structure with
// operations for running the server and benchmarking it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring the dSync server
//   - bench: Benchmark command measuring submit and sync latencies
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dsync -help for a list of all commands.
package cmd
