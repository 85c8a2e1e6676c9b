// Package logging provides structured logging using uber/zap.
//
// Two modes:
//   - Production: JSON to stderr for machine parsing
//   - Development: colored console output
//
// Components take a named child so log lines carry their origin:
//
//	logger := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Development)
//	store := session.NewStore(opts, logger.Named("session"))
//
// Command text is logged as submitted. Secrets never reach a logger; the
// privilege package redacts them at the type level.
package logging
