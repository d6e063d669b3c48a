package emergency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/calmline/calmline/internal/logstore"
	"github.com/calmline/calmline/internal/redact"
)

// Export bundles both stores for offline review.
type Export struct {
	RegularLogs     []Entry   `json:"regular_logs"`
	CriticalLogs    []Entry   `json:"critical_logs"`
	ExportTimestamp time.Time `json:"export_timestamp"`
	SessionID       string    `json:"session_id"`
}

// StoredLogs returns the general store, oldest first. Read failures yield
// an empty slice.
func (l *Logger) StoredLogs(ctx context.Context) []Entry {
	return readEntries(ctx, l.general)
}

// CriticalLogs returns the critical store, oldest first.
func (l *Logger) CriticalLogs(ctx context.Context) []Entry {
	return readEntries(ctx, l.critical)
}

// ClearOldLogs drops general-store entries not newer than daysToKeep days
// ago and returns how many were removed. The critical store is never pruned.
func (l *Logger) ClearOldLogs(ctx context.Context, daysToKeep int) int {
	if daysToKeep <= 0 {
		daysToKeep = DefaultRetentionDays
	}
	cutoff := l.now().AddDate(0, 0, -daysToKeep)

	recs, err := l.general.List(ctx)
	if err != nil {
		redact.Logf("emergency: clear old logs: %v", err)
		return 0
	}
	kept := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		var head struct {
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(rec, &head); err != nil || head.Timestamp.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	removed := len(recs) - len(kept)
	if removed == 0 {
		return 0
	}
	if err := l.general.Replace(ctx, kept); err != nil {
		redact.Logf("emergency: clear old logs: %v", err)
		return 0
	}
	redact.Logf("emergency: cleared %d old emergency logs", removed)
	return removed
}

// Export snapshots both stores.
func (l *Logger) Export(ctx context.Context) Export {
	return Export{
		RegularLogs:     l.StoredLogs(ctx),
		CriticalLogs:    l.CriticalLogs(ctx),
		ExportTimestamp: l.now(),
		SessionID:       l.sessionID,
	}
}

func readEntries(ctx context.Context, s logstore.Store) []Entry {
	recs, err := s.List(ctx)
	if err != nil {
		redact.Logf("emergency: read %s: %v", s.Name(), err)
		return []Entry{}
	}
	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		var e Entry
		if err := json.Unmarshal(rec, &e); err != nil {
			redact.Logf("emergency: skip undecodable record in %s: %v", s.Name(), err)
			continue
		}
		out = append(out, e)
	}
	return out
}
