package imagery

import (
	"context"

	"github.com/sentinel-hub/eo-timelapse/internal/cache"
)

// CachedRenderer serves repeated render requests from an image cache
type CachedRenderer struct {
	next  Renderer
	cache cache.ImageCache
}

func NewCachedRenderer(next Renderer, c cache.ImageCache) *CachedRenderer {
	return &CachedRenderer{next: next, cache: c}
}

// Cached returns the stored render of req without contacting the service
func (r *CachedRenderer) Cached(req RenderRequest) ([]byte, bool) {
	key := req.Key()
	if key == "" {
		return nil, false
	}
	return r.cache.Get(key)
}

func (r *CachedRenderer) Render(ctx context.Context, req RenderRequest) ([]byte, error) {
	if data, ok := r.Cached(req); ok {
		return data, nil
	}

	key := req.Key()
	data, err := r.next.Render(ctx, req)
	if err != nil {
		return nil, err
	}
	if key != "" {
		r.cache.Set(key, data)
	}
	return data, nil
}
