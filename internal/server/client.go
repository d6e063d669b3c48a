package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/calmline/calmline/internal/emergency"
	"github.com/calmline/calmline/internal/inference"
)

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Some clients send {type, text} instead of {role, content}.
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

func toInference(in []historyMessage) []inference.Message {
	out := make([]inference.Message, 0, len(in))
	for _, m := range in {
		content := m.Content
		if content == "" {
			content = m.Text
		}
		if content == "" {
			continue
		}
		role := inference.RoleAssistant
		switch strings.ToLower(m.Role + m.Type) {
		case "user", "human":
			role = inference.RoleUser
		}
		out = append(out, inference.Message{Role: role, Content: content})
	}
	return out
}

// clientFromRequest reads the browser environment the safety UI forwards.
// Viewport and timezone come from X-Client-* headers, the session from
// X-Session-Id unless the body names one.
func clientFromRequest(r *http.Request, bodySession string) emergency.Client {
	c := emergency.Client{
		SessionID: strings.TrimSpace(bodySession),
		UserAgent: r.UserAgent(),
		URL:       r.Header.Get("Referer"),
		Timezone:  r.Header.Get("X-Client-Timezone"),
	}
	if c.SessionID == "" {
		c.SessionID = strings.TrimSpace(r.Header.Get("X-Session-Id"))
	}
	if c.URL == "" {
		c.URL = r.Header.Get("Origin")
	}
	if lang := r.Header.Get("Accept-Language"); lang != "" {
		first, _, _ := strings.Cut(lang, ",")
		first, _, _ = strings.Cut(first, ";")
		c.Language = strings.TrimSpace(first)
	}
	c.ViewportWidth, _ = strconv.Atoi(r.Header.Get("X-Client-Viewport-Width"))
	c.ViewportHeight, _ = strconv.Atoi(r.Header.Get("X-Client-Viewport-Height"))
	return c
}
