/*
Package monitoring provides Prometheus metrics for the server.

# Metrics

  - HTTP requests by route template and status
  - Open sessions
  - Executions by kind (command, directory, clear, privileged) and outcome
  - Execution wall time
  - SIGKILL escalations after a cancelled command ignored SIGTERM
  - Branch probe results
  - WebSocket connections and messages

Each Metrics value owns a private registry, so tests can build as many as
they need without duplicate-registration panics.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
*/
package monitoring
