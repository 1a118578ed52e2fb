// Package cmd implements the command-line interface of kvengine.
//
// The package is organized into several subpackages:
//
//   - serve: serves the engine on a unix socket for binding processes
//   - kv: runs commands, batches, scans and subscriptions through the engine,
//     either directly against the store nodes or through a served socket
//   - util: shared flag, environment and configuration handling (internal use)
//
// Every flag can also be set as KVENGINE_<FLAG> environment variable or in a
// .env / .env.local file. See kvengine -help for a list of all commands.
package cmd
