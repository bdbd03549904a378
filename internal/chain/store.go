package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-mvf/internal/storage"
	"github.com/Klingon-tech/klingnet-mvf/pkg/block"
	"github.com/Klingon-tech/klingnet-mvf/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultHeaderCacheSize is the number of headers kept in memory.
const DefaultHeaderCacheSize = 4096

// Key prefixes and state keys for the header store.
var (
	prefixHeader   = []byte("h/") // h/<height(8)> -> header JSON
	prefixHash     = []byte("b/") // b/<hash(32)> -> height(8)
	prefixRetarget = []byte("r/") // r/<height(8)> -> RetargetState JSON
	keyTipHash     = []byte("s/tip")
	keyHeight      = []byte("s/height")
)

// BlockStore persists headers and chain metadata to a storage.DB.
type BlockStore struct {
	db    storage.DB
	cache *lru.Cache[uint64, *block.Header]
}

// NewBlockStore creates a header store backed by the given database.
func NewBlockStore(db storage.DB, cacheSize int) (*BlockStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultHeaderCacheSize
	}
	cache, err := lru.New[uint64, *block.Header](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("header cache: %w", err)
	}
	return &BlockStore{db: db, cache: cache}, nil
}

// ConnectHeader stores a header with its retarget state and makes it the
// tip, all in one batch.
func (bs *BlockStore) ConnectHeader(h *block.Header, rs RetargetState) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("header marshal: %w", err)
	}
	rsData, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("retarget state marshal: %w", err)
	}
	hash := h.Hash()
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], h.Height)

	b := storage.NewBatch(bs.db)
	if err := b.Put(headerKey(h.Height), data); err != nil {
		return fmt.Errorf("header put: %w", err)
	}
	if err := b.Put(hashKey(hash), heightBuf[:]); err != nil {
		return fmt.Errorf("hash index put: %w", err)
	}
	if err := b.Put(retargetKey(h.Height), rsData); err != nil {
		return fmt.Errorf("retarget state put: %w", err)
	}
	if err := b.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	if err := b.Put(keyHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("commit header %d: %w", h.Height, err)
	}

	cp := *h
	bs.cache.Add(h.Height, &cp)
	return nil
}

// DisconnectHeader removes the tip header h and makes parent the tip.
func (bs *BlockStore) DisconnectHeader(h *block.Header, parent types.Hash) error {
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], h.Height-1)

	b := storage.NewBatch(bs.db)
	if err := b.Delete(headerKey(h.Height)); err != nil {
		return err
	}
	if err := b.Delete(hashKey(h.Hash())); err != nil {
		return err
	}
	if err := b.Delete(retargetKey(h.Height)); err != nil {
		return err
	}
	if err := b.Put(keyTipHash, parent[:]); err != nil {
		return err
	}
	if err := b.Put(keyHeight, heightBuf[:]); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("commit disconnect %d: %w", h.Height, err)
	}
	bs.cache.Remove(h.Height)
	return nil
}

// GetHeaderByHeight retrieves a header by its height.
func (bs *BlockStore) GetHeaderByHeight(height uint64) (*block.Header, error) {
	if h, ok := bs.cache.Get(height); ok {
		cp := *h
		return &cp, nil
	}
	data, err := bs.db.Get(headerKey(height))
	if err != nil {
		return nil, fmt.Errorf("header get %d: %w", height, err)
	}
	var h block.Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("header unmarshal %d: %w", height, err)
	}
	cp := h
	bs.cache.Add(height, &cp)
	return &h, nil
}

// GetHeader retrieves a header by its hash.
func (bs *BlockStore) GetHeader(hash types.Hash) (*block.Header, error) {
	height, err := bs.GetHeight(hash)
	if err != nil {
		return nil, err
	}
	return bs.GetHeaderByHeight(height)
}

// GetHeight returns the height of the header with the given hash.
func (bs *BlockStore) GetHeight(hash types.Hash) (uint64, error) {
	data, err := bs.db.Get(hashKey(hash))
	if err != nil {
		return 0, fmt.Errorf("hash index get: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt hash index: got %d bytes, want 8", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// HasHeader checks if a header exists by hash.
func (bs *BlockStore) HasHeader(hash types.Hash) (bool, error) {
	return bs.db.Has(hashKey(hash))
}

// GetRetargetState returns the retarget state stored after the block at height.
func (bs *BlockStore) GetRetargetState(height uint64) (RetargetState, error) {
	data, err := bs.db.Get(retargetKey(height))
	if err != nil {
		return RetargetState{}, fmt.Errorf("retarget state get %d: %w", height, err)
	}
	var rs RetargetState
	if err := json.Unmarshal(data, &rs); err != nil {
		return RetargetState{}, fmt.Errorf("retarget state unmarshal %d: %w", height, err)
	}
	return rs, nil
}

// GetTip returns the current chain tip hash and height.
// Returns zero values if no tip is set (fresh chain).
func (bs *BlockStore) GetTip() (types.Hash, uint64, error) {
	hashBytes, err := bs.db.Get(keyTipHash)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, 0, nil // No tip yet.
	}
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("tip hash get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, 0, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}

	heightBytes, err := bs.db.Get(keyHeight)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("tip height missing: %w", err)
	}
	if len(heightBytes) != 8 {
		return types.Hash{}, 0, fmt.Errorf("corrupt tip height: got %d bytes", len(heightBytes))
	}

	var hash types.Hash
	copy(hash[:], hashBytes)
	return hash, binary.BigEndian.Uint64(heightBytes), nil
}

func headerKey(height uint64) []byte {
	return heightPrefixed(prefixHeader, height)
}

func retargetKey(height uint64) []byte {
	return heightPrefixed(prefixRetarget, height)
}

func heightPrefixed(prefix []byte, height uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], height)
	return key
}

func hashKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixHash)+types.HashSize)
	copy(key, prefixHash)
	copy(key[len(prefixHash):], hash[:])
	return key
}
