package embedcache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// WrapLRU puts an in-process hot layer in front of next.
func WrapLRU(next ICache, size int) (ICache, error) {
	if next == nil || size <= 0 {
		return next, nil
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &lruCache{next: next, cache: cache}, nil
}

type lruCache struct {
	next  ICache
	cache *lru.Cache[string, []float32]
}

func (l *lruCache) Get(key string) ([]float32, bool, error) {
	if cached, ok := l.cache.Get(key); ok {
		return cloneEmbedding(cached), true, nil
	}
	vec, ok, err := l.next.Get(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	l.cache.Add(key, cloneEmbedding(vec))
	return vec, true, nil
}

func (l *lruCache) Put(key string, vec []float32) error {
	if err := l.next.Put(key, vec); err != nil {
		return err
	}
	l.cache.Add(key, cloneEmbedding(vec))
	return nil
}
