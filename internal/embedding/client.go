package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
)

// Dim is the fixed embedding dimension; vectors of any other size are
// rejected before they can reach the vector index.
const Dim = 1536

// Cache is the content-addressed vector cache (backed by Redis).
type Cache interface {
	CacheEmbedding(ctx context.Context, textHash string, vector []float32) error
	LookupEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
}

// Client calls an OpenAI-compatible embeddings endpoint. If the upstream is
// unavailable the request fails: discovery must be correct or absent, never
// built on fabricated vectors.
type Client struct {
	url    string
	apiKey string
	model  string
	http   *http.Client
	cache  Cache
	sem    chan struct{} // per-process concurrency cap
	log    *zap.Logger
}

func New(url, apiKey, model string, concurrency int, cache Cache, log *zap.Logger) *Client {
	if concurrency <= 0 {
		concurrency = 32
	}
	return &Client{
		url:    url,
		apiKey: apiKey,
		model:  model,
		http:   &http.Client{Timeout: 10 * time.Second},
		cache:  cache,
		sem:    make(chan struct{}, concurrency),
		log:    log,
	}
}

// TextHash is the cache key: SHA-256 of the exact input text.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns the 1536-dim vector for text, consulting the cache first.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one upstream call, skipping cached
// entries.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, apperr.Validation("no texts to embed")
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, t := range texts {
		if c.cache != nil {
			if vec, ok, err := c.cache.LookupEmbedding(ctx, TextHash(t)); err == nil && ok {
				out[i] = vec
				continue
			}
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	body, err := json.Marshal(apiRequest{Model: c.model, Input: missing})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Dependency(err, "embedding upstream unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Dependency(fmt.Errorf("status %d", resp.StatusCode), "embedding upstream error")
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Dependency(err, "embedding response malformed")
	}
	if len(parsed.Data) != len(missing) {
		return nil, apperr.Dependency(fmt.Errorf("got %d vectors for %d inputs", len(parsed.Data), len(missing)),
			"embedding response incomplete")
	}

	for j, d := range parsed.Data {
		if len(d.Embedding) != Dim {
			return nil, apperr.Dependency(fmt.Errorf("dimension %d", len(d.Embedding)), "unexpected embedding dimension")
		}
		idx := missingIdx[j]
		out[idx] = d.Embedding
		if c.cache != nil {
			if err := c.cache.CacheEmbedding(ctx, TextHash(missing[j]), d.Embedding); err != nil {
				c.log.Debug("embedding cache write failed", zap.Error(err))
			}
		}
	}
	return out, nil
}
