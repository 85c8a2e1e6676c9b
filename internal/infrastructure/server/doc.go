// Package server assembles the session store, HTTP API, WebSocket stream,
// middleware and telemetry into one process.
//
// Run holds a gofrs/flock lock file for its lifetime so a second instance
// on the same port fails fast instead of racing for the listener.
package server
