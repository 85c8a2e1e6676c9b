// Package http provides the REST API for shell sessions.
//
// Endpoints:
//   - Health: / and /health
//   - Sessions: /sessions, /sessions/:id
//   - Execution: /sessions/:id/run, /cancel, /privileged
//   - Password entry: /sessions/:id/secret/{key,submit,cancel}
//   - Queries: /home, /sessions/:id/{cwd,branch,history,recall,suggest}
//
// Responses carry a "success" flag; failures add an "error" message and a
// status code chosen by StatusFor.
//
// Example Usage:
//
//	handlers := http.NewHandlers(store, version, logger)
//	handlers.Register(router)
package http
