// Package main is the entry point for shelld.
//
// Commands:
//
//	shelld [serve] [--port P] [--host H]   start the server (default)
//	shelld run [--dir D] -- <command>       run one command and exit with its status
//	shelld version
//
// Configuration comes from environment variables, an optional file named by
// SHELLD_CONFIG or --config, and finally command-line flags.
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown (serve) or cancellation (run)
package main
