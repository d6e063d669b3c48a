// Package chat runs the detector on each user message before anything else
// and only forwards non-emergency messages to the LLM provider.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/calmline/calmline/internal/crisis"
	"github.com/calmline/calmline/internal/inference"
	"github.com/calmline/calmline/internal/metrics"
	"github.com/calmline/calmline/internal/provider"
	"github.com/calmline/calmline/internal/telemetry"
)

// CrisisNotice is returned alongside the user's own message when a crisis is
// detected.
const CrisisNotice = "🚨 CRISIS DETECTED: I've detected that you may be in crisis. Emergency support is being activated. " +
	"Please reach out to emergency services immediately if you're in immediate danger."

// HistoryWindow is how many prior turns reach the provider.
const HistoryWindow = 8

// ErrEmptyMessage is returned for blank input.
var ErrEmptyMessage = errors.New("chat: message is required")

// DetectionLogger receives crisis detections.
type DetectionLogger interface {
	LogDetection(ctx context.Context, a crisis.Assessment, userID string, extra map[string]any)
}

// Message is one submitted chat message.
type Message struct {
	Text    string
	UserID  string
	History []inference.Message
}

// Reply is what the chat surface renders.
type Reply struct {
	UserMessage  string             `json:"user_message"`
	Response     string             `json:"response,omitempty"`
	SystemNotice string             `json:"system_notice,omitempty"`
	Emergency    bool               `json:"emergency"`
	Assessment   *crisis.Assessment `json:"assessment,omitempty"`
}

// Service ties the detector, logger and provider together.
type Service struct {
	detector  *crisis.Detector
	logger    DetectionLogger
	provider  provider.Provider
	telemetry *telemetry.Provider
}

// NewService returns a Service. A nil detector uses the default catalogue.
func NewService(d *crisis.Detector, logger DetectionLogger, p provider.Provider, tel *telemetry.Provider) *Service {
	if d == nil {
		d = crisis.Default()
	}
	return &Service{detector: d, logger: logger, provider: p, telemetry: tel}
}

// Send classifies msg and, unless it is an emergency, asks the provider for a
// reply. Emergencies never reach the provider.
func (s *Service) Send(ctx context.Context, msg Message) (*Reply, error) {
	if msg.Text == "" {
		return nil, ErrEmptyMessage
	}
	start := time.Now()

	a := s.detector.Detect(msg.Text)
	metrics.Detections.WithLabelValues(string(a.RiskLevel)).Inc()
	s.telemetry.RecordDetection(string(a.RiskLevel), a.IsEmergency)

	if a.IsEmergency {
		if s.logger != nil {
			s.logger.LogDetection(ctx, a, msg.UserID, map[string]any{"source": "chat"})
		}
		metrics.ChatRequests.WithLabelValues("emergency").Inc()
		s.telemetry.RecordChat("emergency", msSince(start))
		return &Reply{
			UserMessage:  msg.Text,
			SystemNotice: CrisisNotice,
			Emergency:    true,
			Assessment:   &a,
		}, nil
	}

	resp, err := s.provider.ChatCompletion(ctx, &inference.Request{
		UserID:  msg.UserID,
		Message: msg.Text,
		History: recent(msg.History, HistoryWindow),
	})
	if err != nil {
		metrics.ChatRequests.WithLabelValues("provider_error").Inc()
		s.telemetry.RecordChat("provider_error", msSince(start))
		return nil, err
	}

	metrics.ChatRequests.WithLabelValues("reply").Inc()
	s.telemetry.RecordChat("reply", msSince(start))
	return &Reply{
		UserMessage: msg.Text,
		Response:    resp.Text,
		Assessment:  &a,
	}, nil
}

func recent(history []inference.Message, n int) []inference.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
