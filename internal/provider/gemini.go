package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/calmline/calmline/internal/inference"
)

// SafetyFallback replaces replies the upstream withheld for safety reasons.
const SafetyFallback = "I understand you're reaching out for support, and I appreciate you sharing with me. " +
	"While I want to be helpful, I also want to make sure our conversation stays in a safe space. " +
	"Would you like to try rephrasing that, or perhaps we could talk about some coping strategies that might help you right now?"

const systemPrompt = `You are a warm, upbeat and genuinely caring AI friend who specializes in mental health support.

PERSONALITY:
- Positive and conversational, never fake or dismissive
- Empathetic and playful, with light humor when it fits
- You celebrate small wins and make people feel included

RESPONSE STYLE:
- Ask engaging follow-up questions
- Suggest small, achievable goals and mini-challenges
- Break plans into fun steps and plan them together

CRISIS RESPONSE (CRITICAL):
- If the user expresses suicidal thoughts, self-harm or crisis language, respond with immediate compassion and urgency
- Say you are worried about them and that they are not alone
- Mention emergency resources right away: emergency services (000) or Lifeline (13 11 14)
- Offer to build a small safety plan together
- Stay calm, non-judgmental and never robotic`

// GeminiConfig configures the generateContent client.
type GeminiConfig struct {
	BaseURL          string
	Model            string
	APIKey           string
	Timeout          time.Duration
	MaxResponseBytes int64
}

type geminiProvider struct {
	baseURL          string
	model            string
	apiKey           string
	client           *http.Client
	maxResponseBytes int64
}

// NewGemini creates a provider for the Gemini generateContent API.
func NewGemini(cfg GeminiConfig) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 1 << 20
	}
	return &geminiProvider{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		model:            cfg.Model,
		apiKey:           cfg.APIKey,
		maxResponseBytes: cfg.MaxResponseBytes,
		client:           &http.Client{Timeout: cfg.Timeout},
	}
}

type geminiRequest struct {
	Contents         []geminiContent       `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
	SafetySettings   []geminiSafetySetting  `json:"safetySettings"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	CandidateCount  int     `json:"candidateCount"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      *geminiContent `json:"content"`
		FinishReason string         `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// buildPrompt folds the system prompt, recent turns and the new message into
// one user turn.
func buildPrompt(req *inference.Request) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	if len(req.History) > 0 {
		b.WriteString("\n\nRecent conversation:\n")
		for i, m := range req.History {
			if i > 0 {
				b.WriteByte('\n')
			}
			speaker := "Assistant"
			if m.Role == inference.RoleUser {
				speaker = "Human"
			}
			b.WriteString(speaker + ": " + m.Content)
		}
	}
	fmt.Fprintf(&b, "\n\nUser's current message: %q\n\nRespond like their most supportive best friend who genuinely cares about them:", req.Message)
	return b.String()
}

func (p *geminiProvider) ChatCompletion(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	if p.apiKey == "" {
		return nil, ErrNotConfigured
	}

	payload := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: buildPrompt(req)}},
		}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     0.9,
			TopK:            40,
			TopP:            0.95,
			MaxOutputTokens: 500,
			CandidateCount:  1,
		},
	}
	for _, c := range safetyCategories {
		payload.SafetySettings = append(payload.SafetySettings, geminiSafetySetting{Category: c, Threshold: "BLOCK_ONLY_HIGH"})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, url.PathEscape(p.model), url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call gemini: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, p.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read gemini response: %w", err)
	}
	if int64(len(respBody)) > p.maxResponseBytes {
		return nil, fmt.Errorf("gemini response exceeded limit (%d bytes)", p.maxResponseBytes)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(respBody)
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet}
	}

	var gr geminiResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}
	if len(gr.Candidates) == 0 {
		return nil, fmt.Errorf("gemini response had no candidates")
	}

	first := gr.Candidates[0]
	usage := inference.Usage{
		PromptTokens:     gr.UsageMetadata.PromptTokenCount,
		CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      gr.UsageMetadata.TotalTokenCount,
	}
	if first.Content != nil && len(first.Content.Parts) > 0 {
		return &inference.Response{
			Text:         strings.TrimSpace(first.Content.Parts[0].Text),
			FinishReason: first.FinishReason,
			Usage:        usage,
		}, nil
	}
	if first.FinishReason == "SAFETY" {
		return &inference.Response{Text: SafetyFallback, FinishReason: first.FinishReason, Usage: usage}, nil
	}
	return nil, fmt.Errorf("gemini response had no content (finish_reason=%s)", first.FinishReason)
}
