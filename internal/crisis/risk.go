package crisis

import (
	"fmt"
	"strings"
	"time"
)

// RiskLevel is the ordinal classification assigned to a message.
type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (l RiskLevel) rank() int {
	switch l {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l is the same as or above other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.rank() >= other.rank()
}

// Max returns the higher of the two levels.
func (l RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.rank() > l.rank() {
		return other
	}
	if l == "" {
		return RiskNone
	}
	return l
}

// ParseRiskLevel accepts none, medium or high in any case.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(s))) {
	case RiskNone:
		return RiskNone, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	default:
		return "", fmt.Errorf("unknown risk level %q", s)
	}
}

// Assessment is the detector's verdict on one message. It is a value: callers
// copy it into log entries and discard it.
type Assessment struct {
	IsEmergency       bool      `json:"is_emergency"`
	RiskLevel         RiskLevel `json:"risk_level"`
	MatchedPhrases    []string  `json:"matched_phrases"`
	OriginalMessage   string    `json:"original_message"`
	NormalizedMessage string    `json:"normalized_message"`
	DetectedAt        time.Time `json:"detected_at"`
}

// safe is the result returned for empty or unusable input.
func safe(original string, at time.Time) Assessment {
	return Assessment{
		IsEmergency:     false,
		RiskLevel:       RiskNone,
		MatchedPhrases:  []string{},
		OriginalMessage: original,
		DetectedAt:      at,
	}
}
