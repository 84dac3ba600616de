package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// DedupCache 有界去重缓存，先进先出淘汰。
// 只用 Contains / ContainsOrAdd，这两个都不更新 lru 的访问顺序，
// 所以条目的寿命只取决于插入顺序。
type DedupCache struct {
	name  string
	inner *lru.Cache
}

// NewDedupCache 创建容量为 size 的去重缓存
func NewDedupCache(name string, size int) (*DedupCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dedup cache %s: size must be positive, got %d", name, size)
	}
	inner, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("dedup cache %s: %w", name, err)
	}
	return &DedupCache{name: name, inner: inner}, nil
}

// Has 是否已处理过
func (c *DedupCache) Has(key string) bool {
	return c.inner.Contains(key)
}

// Set 标记为已处理；已存在的 key 不会因为再次 Set 而延长寿命
func (c *DedupCache) Set(key string, value interface{}) {
	c.inner.ContainsOrAdd(key, value)
}

// MarkIfAbsent 原子地检查并标记，返回 true 表示之前不存在
func (c *DedupCache) MarkIfAbsent(key string) bool {
	ok, _ := c.inner.ContainsOrAdd(key, true)
	return !ok
}

func (c *DedupCache) Len() int {
	return c.inner.Len()
}

func (c *DedupCache) Name() string {
	return c.name
}
