// Package observability provides the structured logger and OpenTelemetry
// tracer used across coedit.
//
// Loggers are plain *slog.Logger values. NewLogger wraps the JSON or text
// handler in a handler that redacts credentials from messages and string
// attributes, and that copies connection, document, and user identifiers
// stored in the context onto every record:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.WithConnectionID(ctx, connID)
//	logger.InfoContext(ctx, "client connected")
//
// Metrics live next to the components that record them (see internal/collab).
package observability
