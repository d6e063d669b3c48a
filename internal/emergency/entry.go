// Package emergency records an audit trail of crisis detections and of the
// user's interactions with the safety UI. Logging is best effort: callers are
// never blocked on I/O and never see an error.
package emergency

import (
	"context"
	"time"

	"github.com/calmline/calmline/internal/crisis"
)

// Kind identifies what an entry records.
type Kind string

const (
	KindDetection   Kind = "EMERGENCY_DETECTION"
	KindAction      Kind = "EMERGENCY_ACTION"
	KindInteraction Kind = "EMERGENCY_INTERACTION"
)

// Severity is fixed per Kind.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

// Severity returns the severity every entry of kind k carries.
func (k Kind) Severity() Severity {
	switch k {
	case KindDetection:
		return SeverityCritical
	case KindAction:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// AnonymousUser is recorded when the caller supplies no user id.
const AnonymousUser = "anonymous"

// Entry is one audit record. Entries are not modified once built.
type Entry struct {
	Kind                       Kind               `json:"type"`
	Timestamp                  time.Time          `json:"timestamp"`
	UserID                     string             `json:"user_id"`
	SessionID                  string             `json:"session_id"`
	Severity                   Severity           `json:"severity"`
	RequiresImmediateAttention bool               `json:"requires_immediate_attention,omitempty"`
	Detection                  *crisis.Assessment `json:"detection,omitempty"`
	Action                     string             `json:"action,omitempty"`
	Interaction                string             `json:"interaction,omitempty"`
	Details                    map[string]any     `json:"details,omitempty"`
	Context                    map[string]any     `json:"context"`
}

func (e *Entry) critical() bool { return e.Severity == SeverityCritical }

// Client describes the environment the entry originated from. The HTTP
// layer fills it from request headers. SessionID, when set, replaces the
// logger's own session id on the entry.
type Client struct {
	SessionID      string
	UserAgent      string
	URL            string
	Language       string
	Timezone       string
	ViewportWidth  int
	ViewportHeight int
}

type clientKey struct{}

// WithClient attaches client details to ctx for the log calls that follow.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

func clientFrom(ctx context.Context) Client {
	if ctx == nil {
		return Client{}
	}
	c, _ := ctx.Value(clientKey{}).(Client)
	return c
}

// detectionContext carries the full environment snapshot plus extra.
func detectionContext(c Client, extra map[string]any) map[string]any {
	out := map[string]any{
		"user_agent": c.UserAgent,
		"url":        c.URL,
		"viewport": map[string]any{
			"width":  c.ViewportWidth,
			"height": c.ViewportHeight,
		},
		"timezone": c.Timezone,
		"language": c.Language,
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func actionContext(c Client, at time.Time) map[string]any {
	return map[string]any{
		"user_agent": c.UserAgent,
		"url":        c.URL,
		"timestamp":  at,
	}
}

func interactionContext(c Client) map[string]any {
	return map[string]any{
		"user_agent": c.UserAgent,
		"url":        c.URL,
	}
}

func copyDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func userOrAnonymous(id string) string {
	if id == "" {
		return AnonymousUser
	}
	return id
}
