// Package store defines interfaces for persistence dependencies (session
// progress, extracted records and scheduler checkpoints). Implementations live
// in other packages; this package must not import database drivers or
// concrete clients.
package store
