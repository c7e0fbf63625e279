package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"taskline/internal/config"
)

// ResolutionError wraps any failure talking to the identity service. The
// resolver never retries; callers decide what a missing address means.
type ResolutionError struct {
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("identity resolution failed: %v", e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type profile struct {
	Email string `json:"email"`
}

// Resolver maps user ids to notification addresses through a TTL cache with
// the identity service behind it.
type Resolver struct {
	url    string
	client *http.Client
	cache  *expirable.LRU[int64, string]
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		url:    cfg.Identity.URL,
		client: &http.Client{Timeout: cfg.IdentityTimeout()},
		cache:  expirable.NewLRU[int64, string](cfg.Identity.CacheSize, nil, cfg.IdentityCacheTTL()),
	}
}

// Resolve returns addresses for ids. Cache hits are served locally; the rest
// go to the identity service in one batched call. When the remote call fails
// the cached portion is still returned, together with a *ResolutionError, so
// callers can deliver what they can and log the rest.
func (r *Resolver) Resolve(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	var misses []int64
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if addr, ok := r.cache.Get(id); ok {
			out[id] = addr
			continue
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out, nil
	}
	if strings.TrimSpace(r.url) == "" {
		return out, &ResolutionError{Err: fmt.Errorf("identity service url not configured")}
	}
	resolved, err := r.fetch(ctx, misses)
	if err != nil {
		return out, &ResolutionError{Err: err}
	}
	for id, addr := range resolved {
		r.cache.Add(id, addr)
		out[id] = addr
	}
	return out, nil
}

func (r *Resolver) fetch(ctx context.Context, ids []int64) (map[int64]string, error) {
	body, err := json.Marshal(map[string][]int64{"ids": ids})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("identity service status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	// Response shape: {"42": {"email": "..."}, ...}
	var payload map[string]profile
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode identity response: %w", err)
	}
	out := make(map[int64]string, len(payload))
	for key, p := range payload {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		if p.Email != "" {
			out[id] = p.Email
		}
	}
	return out, nil
}
