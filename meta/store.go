package meta

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixPipeMeta = "/pipemeta/" // /pipemeta/{pipeName} -> serialized PipeMeta
)

// Pebble configuration constants
const (
	memTableSize          = 4 << 20 // 4MB, metas are small
	l0CompactionThreshold = 2
)

// Store persists the pipe metas accepted by this node so tasks can be rebuilt
// after a restart before the first push from the coordinator arrives.
type Store struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool
}

// OpenStore creates or opens a Pebble-backed meta store under dir
func OpenStore(dir string) (*Store, error) {
	opts := &pebble.Options{
		MemTableSize:          memTableSize,
		L0CompactionThreshold: l0CompactionThreshold,
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipe meta store at %s: %w", dir, err)
	}

	return &Store{db: db, path: filepath.Clean(dir)}, nil
}

func metaKey(name string) []byte {
	return []byte(prefixPipeMeta + name)
}

// Put writes the meta of a pipe
func (s *Store) Put(pm *PipeMeta) error {
	if s.closed.Load() {
		return fmt.Errorf("pipe meta store closed")
	}
	data, err := pm.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize pipe meta %s: %w", pm.Static.PipeName, err)
	}
	return s.db.Set(metaKey(pm.Static.PipeName), data, pebble.Sync)
}

// Delete removes the meta of a pipe
func (s *Store) Delete(name string) error {
	if s.closed.Load() {
		return fmt.Errorf("pipe meta store closed")
	}
	return s.db.Delete(metaKey(name), pebble.Sync)
}

// LoadAll returns every persisted meta. Undecodable entries are skipped.
func (s *Store) LoadAll() ([]*PipeMeta, error) {
	prefix := []byte(prefixPipeMeta)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*PipeMeta
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		pm, err := Deserialize(val)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupt pipe meta")
			continue
		}
		out = append(out, pm)
	}

	log.Debug().Int("count", len(out)).Str("path", s.path).Msg("Loaded pipe metas")
	return out, nil
}

// Close closes the store
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("pipe meta store already closed")
	}
	return s.db.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
