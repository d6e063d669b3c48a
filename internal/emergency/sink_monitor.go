package emergency

import (
	"context"
	"errors"

	"github.com/calmline/calmline/internal/telemetry"
)

// Monitor is an external monitoring channel such as the telemetry provider.
type Monitor interface {
	CaptureEmergency(ctx context.Context, name string, fields map[string]any) error
}

// MonitorSink forwards CRITICAL entries to a Monitor. Message text never
// leaves the process through this sink.
type MonitorSink struct {
	monitor Monitor
}

func NewMonitorSink(m Monitor) (*MonitorSink, error) {
	if m == nil {
		return nil, errors.New("monitor is nil")
	}
	return &MonitorSink{monitor: m}, nil
}

func (s *MonitorSink) Name() string { return "monitor" }

func (s *MonitorSink) Deliver(ctx context.Context, e *Entry) error {
	if e == nil {
		return nil
	}
	fields := map[string]any{
		telemetry.FieldType:      "emergency_detection",
		telemetry.FieldKind:      string(e.Kind),
		telemetry.FieldSeverity:  string(e.Severity),
		telemetry.FieldSessionID: e.SessionID,
		telemetry.FieldUserID:    e.UserID,
	}
	if e.Detection != nil {
		fields[telemetry.FieldRiskLevel] = string(e.Detection.RiskLevel)
		fields[telemetry.FieldMatchedPhrases] = e.Detection.MatchedPhrases
		fields[telemetry.FieldMatchedCount] = len(e.Detection.MatchedPhrases)
	}
	return s.monitor.CaptureEmergency(ctx, "emergency_detection_triggered", fields)
}

func (s *MonitorSink) Close(context.Context) error { return nil }
