// Package embedclient implements C4: batch conversion of texts to dense
// vectors via an external HTTP embedding API (§4.4 of SPEC_FULL.md).
package embedclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vasic-digital/embedder/internal/apperrors"
	"github.com/vasic-digital/embedder/internal/config"
	"github.com/vasic-digital/embedder/internal/model"
)

// clientCache caches keep-alive *http.Client values by scheme+host+port so
// repeated calls to the same provider reuse connections (§4.4, §9 HTTP
// client reuse).
var clientCache sync.Map // map[string]*http.Client

func clientFor(rawURL string, timeout time.Duration) *http.Client {
	key := "default"
	if u, err := url.Parse(rawURL); err == nil {
		key = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}
	if c, ok := clientCache.Load(key); ok {
		return c.(*http.Client)
	}
	c := &http.Client{Timeout: timeout}
	actual, _ := clientCache.LoadOrStore(key, c)
	return actual.(*http.Client)
}

// Client issues embedding requests against a single configured provider.
type Client struct {
	provider config.APIProviderConfig
	timeout  time.Duration
}

func New(provider config.APIProviderConfig, timeoutMs int) *Client {
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}
	return &Client{provider: provider, timeout: time.Duration(timeoutMs) * time.Millisecond}
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedDatum struct {
	Embedding []float64 `json:"embedding"`
}

type embedResponse struct {
	Data []embedDatum `json:"data"`
}

// Generate embeds texts, applying the provider's document/query template to
// each before sending, and returns vectors in input order (§4.4 generate).
func (c *Client) Generate(texts []string, kind model.EmbedKind) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	templated := make([]string, len(texts))
	format := c.provider.DocumentFormat
	if kind == model.Query {
		format = c.provider.QueryFormat
	}
	for i, t := range texts {
		templated[i] = applyTemplate(format, t)
	}

	body, err := json.Marshal(embedRequest{Input: templated, Model: c.provider.Model})
	if err != nil {
		return nil, fmt.Errorf("embedclient: marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.provider.APIURL, "/") + "/embeddings"
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := c.provider.ResolvedAPIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := clientFor(endpoint, c.timeout)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedclient: request to %s failed: %w: %w", endpoint, apperrors.ErrProviderFailure, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedclient: read response: %w: %w", apperrors.ErrProviderFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedclient: %s returned status %d: %s: %w", endpoint, resp.StatusCode, string(respBody), apperrors.ErrProviderFailure)
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("embedclient: malformed JSON from %s: %w: %w", endpoint, apperrors.ErrProviderFailure, err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedclient: expected %d vectors, got %d: %w", len(texts), len(parsed.Data), apperrors.ErrProviderFailure)
	}

	out := make([][]float64, len(texts))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func applyTemplate(format, text string) string {
	if format == "" {
		return text
	}
	if strings.Contains(format, "{}") {
		return strings.Replace(format, "{}", text, 1)
	}
	return format + text
}
