package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const synthesisSystemPrompt = `You are an expert social media strategist specializing in short-form content creation.

Your job is to:
1. Analyze trending discussions to understand what topics resonate with people
2. Identify interesting insights, hot takes, and valuable knowledge from these discussions
3. Generate original post content inspired by those discussions

Rules:
- NEVER copy or closely paraphrase any discussion post or reply
- Create 100% original content that captures the key insights
- Each post must be under 280 characters
- Use the specified tone and optionally include provided hashtags
- Focus on hooks that stop the scroll
- Vary post structures (hot takes, tips, questions, stories, observations)
- Make content actionable and valuable`

// ClaudeSynthesizer generates candidate posts via the Anthropic messages API.
type ClaudeSynthesizer struct {
	client      *http.Client
	apiKey      string
	model       string
	baseURL     string
	maxTokens   int
	temperature float64
}

// NewClaudeSynthesizer creates a synthesizer for one API key.
func NewClaudeSynthesizer(apiKey, model, baseURL string, maxTokens int, temperature float64) *ClaudeSynthesizer {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &ClaudeSynthesizer{
		client:      &http.Client{Timeout: 60 * time.Second},
		apiKey:      apiKey,
		model:       model,
		baseURL:     baseURL,
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

func (s *ClaudeSynthesizer) Generate(ctx context.Context, req GenerateRequest) ([]string, error) {
	if len(req.Items) == 0 {
		return nil, nil
	}

	count := req.Count
	if count <= 0 {
		count = 3
	}

	raw, err := s.call(ctx, s.buildPrompt(req, count))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}

	texts := parseCandidates(raw)
	if texts == nil {
		return nil, fmt.Errorf("%w: unparseable response: %s", ErrGenerationUnavailable, excerpt(raw, 200))
	}
	if len(texts) > count {
		texts = texts[:count]
	}
	return texts, nil
}

func (s *ClaudeSynthesizer) buildPrompt(req GenerateRequest, count int) string {
	var b strings.Builder
	for i, item := range req.Items {
		if i >= 20 {
			break
		}
		fmt.Fprintf(&b, "#%d [%s] (%d upvotes, %d comments)\nTitle: %s\n",
			i+1, item.Community, item.Score, item.Comments, item.Title)
		if item.Body != "" {
			fmt.Fprintf(&b, "Body: %s\n", excerpt(item.Body, 500))
		}
		if len(item.TopReplies) > 0 {
			b.WriteString("Top replies:\n")
			for j, reply := range item.TopReplies {
				if j >= 3 {
					break
				}
				fmt.Fprintf(&b, "  - %s\n", excerpt(reply, 200))
			}
		}
		b.WriteString("\n")
	}

	hashtags := "none"
	if len(req.Hashtags) > 0 {
		hashtags = strings.Join(req.Hashtags, ", ")
	}

	return fmt.Sprintf(`Topic: %s
Tone: %s
Hashtags to optionally include: %s
Number of posts to generate: %d

Here are trending discussions for this topic (sorted by engagement):

%s
Analyze what makes these discussions interesting, then generate %d original posts that capture the key insights.

Return ONLY a JSON array of strings, each string being one post. Example:
["post 1 text here", "post 2 text here", "post 3 text here"]`,
		req.Topic, req.Tone, hashtags, count, b.String(), count)
}

func (s *ClaudeSynthesizer) call(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model":       s.model,
		"max_tokens":  s.maxTokens,
		"temperature": s.temperature,
		"system":      synthesisSystemPrompt,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", s.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call anthropic: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]any
		json.NewDecoder(resp.Body).Decode(&errResp)
		return "", fmt.Errorf("anthropic status %d: %v", resp.StatusCode, errResp)
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if len(result.Content) == 0 {
		return "", fmt.Errorf("no content returned")
	}
	return result.Content[0].Text, nil
}

// parseCandidates extracts a JSON array of strings from a model response,
// tolerating markdown code fences and surrounding prose. Returns nil when
// nothing parseable is found.
func parseCandidates(raw string) []string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if idx := strings.Index(raw[3:], "\n"); idx >= 0 {
			raw = raw[3+idx+1:]
		}
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}

	var texts []string
	if err := json.Unmarshal([]byte(raw), &texts); err == nil {
		return texts
	}

	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(raw[start:end+1]), &texts); err == nil {
			return texts
		}
	}

	return nil
}
