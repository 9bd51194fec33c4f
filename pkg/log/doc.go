// Package log provides structured logging for ptrsweep using zerolog.
//
// A single package-level Logger is configured once via Init and read from
// everywhere else. Component loggers (WithComponent, WithJobID, WithWorkerID,
// WithNameserver) attach context fields without threading a logger through
// every call signature.
package log
