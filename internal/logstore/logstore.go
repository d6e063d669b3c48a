// Package logstore holds bounded, append-only lists of JSON records keyed by
// store name. Every implementation trims the oldest records on append once
// its cap is reached.
package logstore

import (
	"context"
	"encoding/json"
	"errors"
)

// Store names and caps used by the emergency logger.
const (
	GeneralName = "emergency-logs"
	GeneralCap  = 50

	CriticalName = "critical-emergency-logs"
	CriticalCap  = 20
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("logstore: store closed")

// Store is a bounded FIFO list of JSON records.
type Store interface {
	Name() string
	Cap() int
	// Append adds rec and evicts the oldest records beyond Cap.
	Append(ctx context.Context, rec json.RawMessage) error
	// List returns records oldest first.
	List(ctx context.Context) ([]json.RawMessage, error)
	// Replace swaps the full contents, trimmed to Cap.
	Replace(ctx context.Context, recs []json.RawMessage) error
	Close() error
}

// trim keeps the newest limit records.
func trim(recs []json.RawMessage, limit int) []json.RawMessage {
	if limit <= 0 || len(recs) <= limit {
		return recs
	}
	return recs[len(recs)-limit:]
}

func cloneRecords(recs []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(recs))
	for i, r := range recs {
		out[i] = append(json.RawMessage(nil), r...)
	}
	return out
}
