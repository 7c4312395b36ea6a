// Package cdc provides the public interfaces and types for Change Data Capture (CDC) ingestion.
//
// The package defines the normalized ChangeEvent produced from a captured change envelope,
// the Checkpoint that marks materialization progress, and the interfaces the lake ingester
// is assembled from.
//
// Key Components:
//   - ChangeEvent: Type representing one captured row change
//   - ChangeLog / LogReader: Interfaces for reading the replicated change log by partition
//   - CheckpointStore: Interface for durable per-partition progress
//   - DeadLetterSink: Interface for preserving records that fail decoding
package cdc
