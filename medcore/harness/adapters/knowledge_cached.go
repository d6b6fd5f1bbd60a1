package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/rs/zerolog"
)

// CachedKnowledgeSource memoizes a KnowledgeSource in a Cache. Cache failures
// and undecodable entries fall through to the inner source.
type CachedKnowledgeSource struct {
	inner  ports.KnowledgeSource
	cache  ports.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedKnowledgeSource(inner ports.KnowledgeSource, cache ports.Cache, ttl time.Duration, logger zerolog.Logger) *CachedKnowledgeSource {
	return &CachedKnowledgeSource{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedKnowledgeSource) Name() string { return c.inner.Name() }

func (c *CachedKnowledgeSource) Query(ctx context.Context, q ports.KnowledgeQuery) ([]ports.KnowledgeRecord, error) {
	key := knowledgeKey(c.inner.Name(), q)
	if b, ok := c.cache.Get(ctx, key); ok {
		var recs []ports.KnowledgeRecord
		if err := json.Unmarshal(b, &recs); err == nil {
			return recs, nil
		}
		c.logger.Debug().Str("source", c.inner.Name()).Msg("discarding undecodable cache entry")
	}

	recs, err := c.inner.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(recs); err == nil {
		if err := c.cache.Put(ctx, key, b, c.ttl); err != nil {
			c.logger.Warn().Err(err).Str("source", c.inner.Name()).Msg("knowledge cache put failed")
		}
	}
	return recs, nil
}

func knowledgeKey(source string, q ports.KnowledgeQuery) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(q.Domain))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(normalizeTerms(q.Terms), "\x1f")))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(q.Limit)))
	return "knowledge:" + source + ":" + hex.EncodeToString(h.Sum(nil))
}

var _ ports.KnowledgeSource = (*CachedKnowledgeSource)(nil)
