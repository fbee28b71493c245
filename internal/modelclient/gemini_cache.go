package modelclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/s-age/takt/internal/cache"
)

// GeminiCacheClient implements cache.RemoteCache against
// google.golang.org/genai's Caches service.
type GeminiCacheClient struct {
	client *genai.Client
	model  string
}

// NewGeminiCacheClient builds a cache.RemoteCache backed by g's
// underlying genai client.
func NewGeminiCacheClient(g *GeminiClient) *GeminiCacheClient {
	return &GeminiCacheClient{client: g.client, model: g.model}
}

// Create stores content+toolDefs as a new remote cached content resource.
func (c *GeminiCacheClient) Create(ctx context.Context, content, toolDefs string, ttl time.Duration) (string, time.Time, error) {
	cc, err := c.client.Caches.Create(ctx, c.model, &genai.CreateCachedContentConfig{
		Contents: []*genai.Content{{
			Role:  "user",
			Parts: []*genai.Part{{Text: content}},
		}},
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: toolDefs}}},
		TTL:               ttl,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("modelclient: create cache: %w", err)
	}
	expire, _ := time.Parse(time.RFC3339, cc.ExpireTime)
	if expire.IsZero() {
		expire = time.Now().Add(ttl)
	}
	return cc.Name, expire, nil
}

// Get verifies the cache resource still exists remotely.
func (c *GeminiCacheClient) Get(ctx context.Context, name string) error {
	_, err := c.client.Caches.Get(ctx, name, nil)
	if err != nil {
		if isNotFound(err) {
			return cache.ErrNotFound
		}
		return fmt.Errorf("modelclient: get cache %s: %w", name, err)
	}
	return nil
}

// Delete removes the remote cache resource, treating "not found" as
// success per §4.4 ("ignore not found errors").
func (c *GeminiCacheClient) Delete(ctx context.Context, name string) error {
	err := c.client.Caches.Delete(ctx, name, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("modelclient: delete cache %s: %w", name, err)
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	// genai surfaces API errors with an embedded HTTP status; a 404
	// reliably shows up in the error text across SDK versions.
	return strings.Contains(err.Error(), "404") || strings.Contains(strings.ToLower(err.Error()), "not found")
}
