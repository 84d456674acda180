package vocoder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loqalabs/loqa-vocoder/internal/model"
)

// CachedEncoder memoizes frame embeddings by the content of their input.
// Cached embeddings are shared between callers and must not be modified.
type CachedEncoder struct {
	next   model.FrameEncoder
	cache  *lru.Cache[[sha256.Size]byte, [][]float32]
	hits   atomic.Int64
	misses atomic.Int64
}

func NewCachedEncoder(next model.FrameEncoder, size int) (*CachedEncoder, error) {
	cache, err := lru.New[[sha256.Size]byte, [][]float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEncoder{next: next, cache: cache}, nil
}

func (c *CachedEncoder) EncodeFrames(ctx context.Context, feats [][]float32, periods []int) ([][]float32, error) {
	key := encoderKey(feats, periods)
	if emb, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return emb, nil
	}
	c.misses.Add(1)
	emb, err := c.next.EncodeFrames(ctx, feats, periods)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, emb)
	return emb, nil
}

func (c *CachedEncoder) Hits() int64 { return c.hits.Load() }

func (c *CachedEncoder) Misses() int64 { return c.misses.Load() }

func (c *CachedEncoder) Len() int { return c.cache.Len() }

func encoderKey(feats [][]float32, periods []int) [sha256.Size]byte {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(feats)))
	h.Write(buf[:])
	for _, row := range feats {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(row)))
		h.Write(buf[:])
		for _, v := range row {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			h.Write(buf[:4])
		}
	}
	for _, p := range periods {
		binary.LittleEndian.PutUint64(buf[:], uint64(p))
		h.Write(buf[:])
	}
	var key [sha256.Size]byte
	h.Sum(key[:0])
	return key
}
