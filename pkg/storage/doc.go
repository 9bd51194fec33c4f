// Package storage implements the durable Job Store and Result Store over
// database/sql. Open selects a driver and migration set from a
// scheme://... connection URL ("sqlite://" or "postgres://"); JobStore and
// ResultStore then do their own hand-written SQL against whichever *sql.DB
// comes back.
package storage
