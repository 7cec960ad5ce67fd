package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hongminglow/credit-ledger/internal/apperr"
)

// Request is one paid call to the generation provider.
type Request struct {
	GenerationID int64  `json:"generation_id"`
	UserID       int64  `json:"user_id"`
	Prompt       string `json:"prompt"`
}

// Result is what the provider produced.
type Result struct {
	ImageURL string `json:"image_url"`
}

// Provider is the external paid generation API.
type Provider interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// ProviderError reports that the provider itself failed. It matches apperr.ErrProvider.
type ProviderError struct {
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("generation provider: status %d", e.StatusCode)
	}
	return fmt.Sprintf("generation provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == apperr.ErrProvider }

// HTTPProvider calls a JSON generation endpoint with a bearer key. Calls are
// not retried: the provider bills every attempt.
type HTTPProvider struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPProvider constructs an HTTPProvider with a bounded timeout.
func NewHTTPProvider(url, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider{
		url:    strings.TrimSpace(url),
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

// Invoke performs the provider call.
func (p *HTTPProvider) Invoke(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, &ProviderError{Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, &ProviderError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, &ProviderError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return Result{}, &ProviderError{StatusCode: resp.StatusCode}
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, &ProviderError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.ImageURL == "" {
		return Result{}, &ProviderError{Err: fmt.Errorf("response has no image url")}
	}
	return out, nil
}
