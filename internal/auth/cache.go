package auth

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	defaultSubjectCacheSize = 256
	defaultSubjectCacheTTL  = 30 * time.Second
)

// subjectCache 缓存最近加载的主体，避免每个请求都访问存储。
// 权限变更或禁用最多延迟 ttl 生效。
type subjectCache struct {
	entries *lru.Cache
	ttl     time.Duration
	now     func() time.Time
}

type cachedSubject struct {
	subject  *Subject
	loadedAt time.Time
}

func newSubjectCache(opts CacheOptions, now func() time.Time) (*subjectCache, error) {
	if opts.Size < 0 {
		return nil, nil
	}
	size := opts.Size
	if size == 0 {
		size = defaultSubjectCacheSize
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultSubjectCacheTTL
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &subjectCache{entries: entries, ttl: ttl, now: now}, nil
}

func (c *subjectCache) get(userID int64) (*Subject, bool) {
	if c == nil {
		return nil, false
	}
	raw, ok := c.entries.Get(userID)
	if !ok {
		return nil, false
	}
	entry := raw.(cachedSubject)
	if c.now().Sub(entry.loadedAt) >= c.ttl {
		c.entries.Remove(userID)
		return nil, false
	}
	return entry.subject.Clone(), true
}

func (c *subjectCache) put(subject *Subject) {
	if c == nil || subject == nil {
		return
	}
	c.entries.Add(subject.ID, cachedSubject{subject: subject.Clone(), loadedAt: c.now()})
}

func (c *subjectCache) purge() {
	if c == nil {
		return
	}
	c.entries.Purge()
}
