// Package sinks implements concrete progress.Sink consumers. Each sink is
// safe for repeated Consume/Close cycles.
package sinks
