// Package embedding turns text into vectors through an OpenAI-compatible
// embeddings endpoint, with caching, batching and usage accounting.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/scraper-intel/internal/retry"
)

// Response is one provider call's output.
type Response struct {
	Vectors [][]float32
	Tokens  int
	Model   string
}

// Provider produces one vector per input, in input order.
type Provider interface {
	Embed(ctx context.Context, inputs []string) (Response, error)
}

// HTTPConfig configures HTTPProvider.
type HTTPConfig struct {
	// Endpoint is the full embeddings URL, e.g. https://api.openai.com/v1/embeddings.
	Endpoint          string
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             retry.Policy
}

// HTTPProvider calls a remote embeddings API.
type HTTPProvider struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

type embedRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// NewHTTPProvider builds a provider. Zero values default to a 30s timeout,
// 5 requests per second and three attempts with 500ms doubling backoff.
func NewHTTPProvider(cfg HTTPConfig, client *http.Client, logger *zap.Logger) (*HTTPProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 8 * time.Second, Jitter: 0.1}
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProvider{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger.Named("embedding"),
	}, nil
}

// Embed posts inputs and returns vectors reordered by response index.
// Every failure is reported as a retryable network error.
func (p *HTTPProvider) Embed(ctx context.Context, inputs []string) (Response, error) {
	if len(inputs) == 0 {
		return Response{}, nil
	}
	body, err := json.Marshal(embedRequest{Model: p.cfg.Model, Input: inputs, EncodingFormat: "float"})
	if err != nil {
		return Response{}, fmt.Errorf("marshal embedding request: %w", err)
	}
	var out Response
	err = retry.Do(ctx, p.cfg.Retry, func(ctx context.Context, attempt int) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return retry.New(retry.KindNetwork, fmt.Errorf("embedding throttle: %w", err))
		}
		res, err := p.call(ctx, body, len(inputs))
		if err != nil {
			p.logger.Warn("embedding request failed",
				zap.Int("attempt", attempt),
				zap.Int("inputs", len(inputs)),
				zap.Error(err),
			)
			return retry.New(retry.KindNetwork, err)
		}
		out = res
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return out, nil
}

func (p *HTTPProvider) call(ctx context.Context, body []byte, n int) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("POST %s: %w", p.cfg.Endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("HTTP %d from embeddings endpoint: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Response{}, fmt.Errorf("decode embedding response: %w", err)
	}
	vecs := make([][]float32, n)
	for _, d := range decoded.Data {
		if d.Index >= 0 && d.Index < n {
			vecs[d.Index] = d.Embedding
		}
	}
	for i, v := range vecs {
		if v == nil {
			return Response{}, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	tokens := decoded.Usage.TotalTokens
	if tokens == 0 {
		tokens = decoded.Usage.PromptTokens
	}
	return Response{Vectors: vecs, Tokens: tokens, Model: decoded.Model}, nil
}

// HashingProvider is an offline provider that hashes word features into a
// fixed number of buckets. Texts sharing words get similar vectors.
type HashingProvider struct {
	Dimensions int
}

// Embed implements Provider.
func (h HashingProvider) Embed(ctx context.Context, inputs []string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	dim := h.Dimensions
	if dim <= 0 {
		dim = 256
	}
	out := Response{Vectors: make([][]float32, len(inputs)), Model: "hashing"}
	for i, text := range inputs {
		vec := make([]float32, dim)
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			f := fnv.New32a()
			_, _ = f.Write([]byte(w))
			sum := f.Sum32()
			sign := float32(1)
			if sum&(1<<31) != 0 {
				sign = -1
			}
			vec[int(sum%uint32(dim))] += sign
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			inv := float32(1 / math.Sqrt(norm))
			for j := range vec {
				vec[j] *= inv
			}
		}
		out.Vectors[i] = vec
		out.Tokens += len(words)
	}
	return out, nil
}
