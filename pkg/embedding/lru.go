package embedding

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// WithLRU memoizes g's vectors for up to size texts, each kept for ttl.
// g is returned unchanged when size or ttl is not positive.
func WithLRU(g Gateway, size int, ttl time.Duration) Gateway {
	if g == nil || size <= 0 || ttl <= 0 {
		return g
	}
	return &lruGateway{
		next:  g,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

type lruGateway struct {
	next  Gateway
	cache *expirable.LRU[string, []float32]
}

func (l *lruGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := l.cache.Get(text); ok {
		return cloneVector(cached), nil
	}
	res, err := l.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	l.cache.Add(text, cloneVector(res))
	return res, nil
}

func (l *lruGateway) Model() string {
	return l.next.Model()
}

func cloneVector(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
