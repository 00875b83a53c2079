// Package storage persists timelapse records.
//
// Two drivers:
//   - sqlite (default): single-file database, WAL, embedded schema
//   - file: human-readable JSON snapshot for tiny installs
package storage
