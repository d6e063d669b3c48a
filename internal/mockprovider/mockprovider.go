// Package mockprovider serves a canned Gemini generateContent API for local
// runs without an API key.
package mockprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/calmline/calmline/internal/redact"
)

const (
	defaultPort    = 18080
	defaultDelayMS = 50

	// Reply is the canned answer for every request.
	Reply = "I'm a mock reply. Tell me one small thing that went well today?"
	// SafetyTrigger makes the mock answer with finishReason SAFETY.
	SafetyTrigger = "[mock:safety]"
)

// Start launches the mock on addr. An empty addr listens on
// 127.0.0.1:MOCK_PROVIDER_PORT (default 18080). It returns a shutdown
// function and the base URL to configure as provider.base_url.
func Start(addr string) (func(context.Context) error, string, error) {
	if strings.TrimSpace(addr) == "" {
		port := strings.TrimSpace(os.Getenv("MOCK_PROVIDER_PORT"))
		if port == "" {
			port = strconv.Itoa(defaultPort)
		}
		addr = "127.0.0.1:" + port
	}

	delay := defaultDelayMS
	if val := strings.TrimSpace(os.Getenv("MOCK_DELAY_MS")); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed >= 0 {
			delay = parsed
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: Handler(time.Duration(delay) * time.Millisecond)}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			redact.Logf("mock provider server error: %v", err)
		}
	}()

	baseURL := "http://" + ln.Addr().String() + "/v1beta"
	redact.Logf("mock provider listening on %s (delay_ms=%d)", baseURL, delay)
	return srv.Shutdown, baseURL, nil
}

// Handler answers POST /v1beta/models/{model}:generateContent.
func Handler(delay time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		redact.Logf("mock upstream request method=%s path=%s", r.Method, r.URL.Path)

		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, ":generateContent") {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
			return
		}
		if r.URL.Query().Get("key") == "" {
			writeError(w, http.StatusForbidden, "PERMISSION_DENIED", "API key is missing")
			return
		}

		var req struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Contents) == 0 {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid JSON payload")
			return
		}

		if delay > 0 {
			time.Sleep(delay)
		}

		prompt := ""
		if parts := req.Contents[0].Parts; len(parts) > 0 {
			prompt = parts[0].Text
		}
		if strings.Contains(prompt, SafetyTrigger) {
			writeJSON(w, http.StatusOK, map[string]any{
				"candidates": []map[string]any{{"finishReason": "SAFETY"}},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": Reply}},
				},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]int{
				"promptTokenCount":     5,
				"candidatesTokenCount": 5,
				"totalTokenCount":      10,
			},
		})
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"status":  code,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
