// Package observability provides structured logging, Prometheus metrics,
// health checks, and graceful shutdown.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger("info", "json", os.Stdout)
//	logger.WithField("port", 8080).Info("server started")
//
// Context-aware logging:
//
//	observability.EntryFromContext(ctx, logger).Error("request failed")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	metrics := observability.NewMetrics(registry)
//	metrics.AccessChecksTotal.WithLabelValues("allowed", "self_signed").Inc()
//	metrics.LockAcquisitionsTotal.WithLabelValues("users", "contended").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # Graceful Shutdown
//
//	manager := observability.NewShutdownManager(logger, server, 30*time.Second)
//	manager.RegisterShutdownFunc(func(ctx context.Context) error { return redisClient.Close() })
//	err := manager.WaitForShutdown()
package observability
