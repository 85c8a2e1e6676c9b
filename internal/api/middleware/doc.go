// Package middleware provides gin middleware for CORS and per-client rate
// limiting.
package middleware
