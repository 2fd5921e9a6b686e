// Package fieldstore persists evaluated field samples in a Pebble key/value
// store so repeated grid tabulations at the same date skip the model.
package fieldstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/zeebo/xxh3"

	"tgfsim/geodesy"
)

const (
	valueSize = 24
	keySep    = '|'
)

const (
	defaultCacheSizeBytes  = int64(64 << 20) // 64MB block cache
	defaultBloomFilterBits = 10              // bits per key on SSTables
	defaultQuantumM        = 1.0             // positions closer than this share a key
)

var (
	errStoreClosed  = errors.New("fieldstore: store is not initialized")
	errInvalidValue = errors.New("fieldstore: invalid value encoding")
)

// Options controls Pebble tuning and key quantization. Zero or negative
// fields are replaced with defaults by sanitizeOptions.
type Options struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	QuantumM              float64
}

// Entry is one stored sample.
type Entry struct {
	Model    string
	DecYear  float64
	Position geodesy.Vec3
	Field    geodesy.Vec3 // tesla
}

// Store manages the Pebble database of field samples.
type Store struct {
	db      *pebble.DB
	cache   *pebble.Cache // unref'd on Close
	quantum float64

	hits   atomic.Uint64
	misses atomic.Uint64
}

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.QuantumM <= 0 {
		opts.QuantumM = defaultQuantumM
	}
	return opts
}

// Purpose: Open or create the field sample database.
// Key aspects: Shared block cache plus table-level bloom filters on every
// level, since lookups are point gets.
// Upstream: grid command.
// Downstream: pebble.Open.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("fieldstore: database path is empty")
	}
	opts = sanitizeOptions(opts)

	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("fieldstore: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("fieldstore: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("fieldstore: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{
		Cache: pebble.NewCache(opts.CacheSizeBytes),
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(opts.BloomFilterBitsPerKey),
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("fieldstore: open: %w", err)
	}
	return &Store{db: db, cache: pebbleOpts.Cache, quantum: opts.QuantumM}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Get returns the stored field for the quantized position, if present.
func (s *Store) Get(model string, decYear float64, p geodesy.Vec3) (geodesy.Vec3, bool, error) {
	if s == nil || s.db == nil {
		return geodesy.Vec3{}, false, errStoreClosed
	}
	value, closer, err := s.db.Get(s.key(model, decYear, p))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			s.misses.Add(1)
			return geodesy.Vec3{}, false, nil
		}
		return geodesy.Vec3{}, false, fmt.Errorf("fieldstore: get: %w", err)
	}
	defer closer.Close()
	v, err := decodeValue(value)
	if err != nil {
		return geodesy.Vec3{}, false, err
	}
	s.hits.Add(1)
	return v, true, nil
}

// PutBatch writes entries in one synced batch.
func (s *Store) PutBatch(entries []Entry) error {
	if s == nil || s.db == nil {
		return errStoreClosed
	}
	if len(entries) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, e := range entries {
		if err := batch.Set(s.key(e.Model, e.DecYear, e.Position), encodeValue(e.Field), nil); err != nil {
			return fmt.Errorf("fieldstore: batch set: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("fieldstore: commit: %w", err)
	}
	return nil
}

// Count returns how many samples are stored for model.
func (s *Store) Count(model string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errStoreClosed
	}
	iter, err := s.db.NewIter(iterOptionsForPrefix(modelPrefix(model)))
	if err != nil {
		return 0, fmt.Errorf("fieldstore: iterator: %w", err)
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("fieldstore: iterate: %w", err)
	}
	return n, nil
}

// Stats returns lookup hits and misses since Open.
func (s *Store) Stats() (hits, misses uint64) {
	if s == nil {
		return 0, 0
	}
	return s.hits.Load(), s.misses.Load()
}

// key is "<MODEL>|" followed by the big-endian xxh3 of the decimal year and the
// position rounded to the store quantum.
func (s *Store) key(model string, decYear float64, p geodesy.Vec3) []byte {
	var raw [32]byte
	binary.LittleEndian.PutUint64(raw[0:], math.Float64bits(decYear))
	binary.LittleEndian.PutUint64(raw[8:], uint64(int64(math.Round(p.X/s.quantum))))
	binary.LittleEndian.PutUint64(raw[16:], uint64(int64(math.Round(p.Y/s.quantum))))
	binary.LittleEndian.PutUint64(raw[24:], uint64(int64(math.Round(p.Z/s.quantum))))
	prefix := modelPrefix(model)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], xxh3.Hash(raw[:]))
	return key
}

func modelPrefix(model string) string {
	return strings.ToUpper(strings.TrimSpace(model)) + string(keySep)
}

func encodeValue(v geodesy.Vec3) []byte {
	buf := make([]byte, valueSize)
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(v.X))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(v.Y))
	binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(v.Z))
	return buf
}

func decodeValue(buf []byte) (geodesy.Vec3, error) {
	if len(buf) != valueSize {
		return geodesy.Vec3{}, errInvalidValue
	}
	return geodesy.Vec3{
		X: math.Float64frombits(binary.LittleEndian.Uint64(buf[0:])),
		Y: math.Float64frombits(binary.LittleEndian.Uint64(buf[8:])),
		Z: math.Float64frombits(binary.LittleEndian.Uint64(buf[16:])),
	}, nil
}

func iterOptionsForPrefix(prefix string) *pebble.IterOptions {
	lower := []byte(prefix)
	return &pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)}
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
