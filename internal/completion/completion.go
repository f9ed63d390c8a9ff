// Package completion implements C5: streaming/batch chat and FIM
// completions against an external generation provider (§4.5 of
// SPEC_FULL.md).
package completion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vasic-digital/embedder/internal/apperrors"
	"github.com/vasic-digital/embedder/internal/config"
	"github.com/vasic-digital/embedder/internal/model"
)

// queryTemplate and fimTemplate are the source's internal prompt templates;
// the spec names them _QUERY_TEMPLATE/_FIM_TEMPLATE but does not fix their
// exact text, only their placeholder contract (§4.5).
const (
	queryTemplate = "%s\n\nQuestion: %s"
	fimTemplate   = "Complete the following code.\n<prefix>\n%s\n</prefix>\n<suffix>\n%s\n</suffix>\n"
	sourceLabel   = "[Source: %s]\n"
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tokenizer is the subset of C1 the completion client depends on.
type Tokenizer interface {
	Count(text string, addSpecials bool) int
}

// Client issues chat/FIM requests against a single configured provider.
type Client struct {
	provider config.APIProviderConfig
	tok      Tokenizer
	timeout  time.Duration
	client   *http.Client
}

func New(provider config.APIProviderConfig, tok Tokenizer, timeoutMs int) *Client {
	if timeoutMs <= 0 {
		timeoutMs = 20000
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	return &Client{provider: provider, tok: tok, timeout: d, client: &http.Client{Timeout: d}}
}

// BuildContextBlock concatenates search results with per-source labels,
// stopping when the budget would be exceeded and including a
// character-proportional excerpt of a partially-fitting passage (§4.5 chat
// step 1). A passage's label tokens count against the budget as well.
func (c *Client) BuildContextBlock(results []model.SearchResult, usedTokens, contextLength int) string {
	var b strings.Builder
	used := usedTokens
	for _, r := range results {
		label := fmt.Sprintf(sourceLabel, r.SourceID)
		content := r.Content
		if strings.HasPrefix(content, strings.TrimSuffix(label, "\n")) {
			label = ""
		}
		labelTokens := c.tok.Count(label, false)
		contentTokens := c.tok.Count(content, false)

		if used+labelTokens+contentTokens <= contextLength {
			b.WriteString(label)
			b.WriteString(content)
			b.WriteString("\n")
			used += labelTokens + contentTokens
			continue
		}

		remaining := contextLength - used - labelTokens
		if remaining <= 0 || contentTokens == 0 {
			break
		}
		excerptLen := remaining * len(content) / contentTokens
		if excerptLen <= 0 {
			break
		}
		if excerptLen > len(content) {
			excerptLen = len(content)
		}
		b.WriteString(label)
		b.WriteString(content[:excerptLen])
		used = contextLength
		break
	}
	return b.String()
}

// Chat templates the final user prompt from search results, sends the full
// message array, and streams (or awaits) the response (§4.5 chat).
func (c *Client) Chat(messages []Message, results []model.SearchResult, temperature float64, maxTokens int, onStream func(string)) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("completion: chat requires at least one message: %w", apperrors.ErrPrecondition)
	}

	question := messages[len(messages)-1].Content
	questionTokens := c.tok.Count(question, false)
	contextBlock := c.BuildContextBlock(results, questionTokens, c.provider.ContextLength)

	templated := fmt.Sprintf(queryTemplate, contextBlock, question)
	outMessages := append([]Message{}, messages[:len(messages)-1]...)
	outMessages = append(outMessages, Message{Role: messages[len(messages)-1].Role, Content: templated})

	body := map[string]any{
		"messages": outMessages,
		"model":    c.provider.Model,
		"stream":   c.provider.Stream,
	}
	if c.provider.MaxTokensName != "" {
		body[c.provider.MaxTokensName] = maxTokens
	}
	if c.provider.TemperatureSupport {
		body["temperature"] = temperature
	}

	return c.post(c.provider.APIURL, body, c.provider.Stream, onStream)
}

// FIM completes prefix/suffix via the provider's dedicated FIM endpoint if
// configured, otherwise falls back to templated single-message chat (§4.5
// fim).
func (c *Client) FIM(prefix, suffix string, stops []string, temperature float64, maxTokens int) (string, error) {
	if c.provider.FIM != nil && c.provider.FIM.PrefixName != "" {
		body := map[string]any{
			c.provider.FIM.PrefixName: prefix,
			c.provider.FIM.SuffixName: suffix,
			"stop":                    stops,
			"model":                   c.provider.Model,
		}
		if c.provider.MaxTokensName != "" {
			body[c.provider.MaxTokensName] = maxTokens
		}
		if c.provider.TemperatureSupport {
			body["temperature"] = temperature
		}
		return c.post(c.provider.FIM.APIURL, body, false, nil)
	}

	prompt := fmt.Sprintf(fimTemplate, prefix, suffix)
	body := map[string]any{
		"messages": []Message{{Role: "user", Content: prompt}},
		"model":    c.provider.Model,
		"stream":   false,
	}
	if c.provider.MaxTokensName != "" {
		body[c.provider.MaxTokensName] = maxTokens
	}
	if c.provider.TemperatureSupport {
		body["temperature"] = temperature
	}
	return c.post(c.provider.APIURL, body, false, nil)
}

type chatChoiceDelta struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
}

type chatChoiceMessage struct {
	Content string `json:"content"`
}

type chatChoice struct {
	Delta   chatChoiceDelta   `json:"delta"`
	Message chatChoiceMessage `json:"message"`
}

type chatCompletion struct {
	Choices []chatChoice `json:"choices"`
}

func (c *Client) post(endpoint string, body map[string]any, stream bool, onStream func(string)) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("completion: marshal request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("completion: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := c.provider.ResolvedAPIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		err = fmt.Errorf("completion: request to %s failed: %w: %w", endpoint, apperrors.ErrProviderFailure, err)
		if onStream != nil {
			onStream(fmt.Sprintf(`{"error":%q}`, err.Error()))
		}
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("completion: %s returned status %d: %s: %w", endpoint, resp.StatusCode, string(respBody), apperrors.ErrProviderFailure)
		if onStream != nil {
			onStream(fmt.Sprintf(`{"error":%q}`, err.Error()))
		}
		return "", err
	}

	if stream {
		return c.consumeSSE(resp.Body, onStream)
	}
	return c.consumeJSON(resp.Body)
}

func (c *Client) consumeJSON(body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("completion: read response: %w: %w", apperrors.ErrProviderFailure, err)
	}
	var parsed chatCompletion
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("completion: malformed JSON response: %w: %w", apperrors.ErrProviderFailure, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion: response has no choices: %w", apperrors.ErrProviderFailure)
	}
	return parsed.Choices[0].Message.Content, nil
}

// consumeSSE parses "data: {json}\n\n" frames from an upstream provider,
// forwarding each content delta through onStream, stopping at "data:
// [DONE]" (§4.5 step 3).
func (c *Client) consumeSSE(body io.Reader, onStream func(string)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var full strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		if payload == "" {
			continue
		}
		var chunk chatCompletion
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		piece := chunk.Choices[0].Delta.Content
		if piece == "" {
			piece = chunk.Choices[0].Delta.ReasoningContent
		}
		if piece == "" {
			continue
		}
		full.WriteString(piece)
		if onStream != nil {
			onStream(piece)
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("completion: stream read error: %w: %w", apperrors.ErrProviderFailure, err)
	}
	return full.String(), nil
}
