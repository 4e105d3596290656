// Package ml talks to the external model services: the embedding and
// recommendation HTTP server, and the LLM used to parse free-text coupons.
package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"couponverse/api/internal/embedding"
	"golang.org/x/sync/errgroup"
)

// ErrEmbeddingService covers every failure of the embedding/recommendation
// upstream: transport errors, timeouts and non-2xx responses. Callers treat
// it as retryable; no partial state is ever persisted on this error.
var ErrEmbeddingService = errors.New("ml: embedding service error")

// Product is a recommended product as the recommendation model returns it.
type Product struct {
	Title        string `json:"title"`
	ImgURL       string `json:"imgUrl"`
	ProductURL   string `json:"productURL"`
	Stars        string `json:"stars"`
	CategoryName string `json:"category_name"`
	Price        string `json:"price"`
	IsBestSeller bool   `json:"isBestSeller"`
}

// Client calls the model server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a model-server client. timeout bounds each call;
// a timed-out call surfaces as ErrEmbeddingService.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	body, err := json.Marshal(map[string]string{"input": text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	data, err := c.post(ctx, c.baseURL+"/embedding", body)
	if err != nil {
		return nil, err
	}

	var payload struct {
		EmbeddingList embedding.Vector `json:"embedding_list"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode embedding response: %v", ErrEmbeddingService, err)
	}
	if len(payload.EmbeddingList) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrEmbeddingService)
	}
	return payload.EmbeddingList, nil
}

// EmbedPair fetches the embeddings of two texts concurrently. It is used by
// the coupon edit flow, which needs both the pre-edit and post-edit vectors.
func (c *Client) EmbedPair(ctx context.Context, oldText, newText string) (oldVec, newVec embedding.Vector, err error) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		oldVec, err = c.Embed(ctx, oldText)
		return err
	})
	g.Go(func() error {
		var err error
		newVec, err = c.Embed(ctx, newText)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return oldVec, newVec, nil
}

// Recommend returns the model's product suggestions for a preference vector.
func (c *Client) Recommend(ctx context.Context, vec embedding.Vector) ([]Product, error) {
	body, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("marshal recommend request: %w", err)
	}

	data, err := c.post(ctx, c.baseURL+"/MLRecommendationsModel", body)
	if err != nil {
		return nil, err
	}

	var products []Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("%w: decode recommendations: %v", ErrEmbeddingService, err)
	}
	return products, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrEmbeddingService, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrEmbeddingService, err)
	}
	return data, nil
}
