package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// The store keeps two keyspaces: "nonce:<key|ts|nonce>" maps a triple to its
// observation time for O(1) replay checks, and "seen:<nanos>:<key|ts|nonce>"
// orders triples by observation time so Recent and Prune can range-scan.
const (
	noncePrefix = "nonce:"
	seenPrefix  = "seen:"
)

// LevelDBNonceStore is a NonceStore backed by a local LevelDB database.
type LevelDBNonceStore struct {
	db *leveldb.DB
}

// NewLevelDBNonceStore opens (or creates) the database at path.
func NewLevelDBNonceStore(path string) (*LevelDBNonceStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &LevelDBNonceStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *LevelDBNonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record implements NonceStore. A record that already exists keeps its place
// but its observation time moves forward so pruning never resurrects it early.
func (s *LevelDBNonceStore) Record(ctx context.Context, rec NonceRecord) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("nonce store not open")
	}
	apiKey := strings.TrimSpace(rec.APIKey)
	ts := strings.TrimSpace(rec.Timestamp)
	nonce := strings.TrimSpace(rec.Nonce)
	if apiKey == "" || ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := rec.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	triple := strings.Join([]string{apiKey, ts, nonce}, "|")
	nonceKey := []byte(noncePrefix + triple)

	existing, err := s.db.Get(nonceKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		prev := int64(binary.BigEndian.Uint64(existing))
		if observed.UnixNano() > prev {
			batch := new(leveldb.Batch)
			batch.Put(nonceKey, encodeNanos(observed.UnixNano()))
			batch.Delete([]byte(seenKey(prev, triple)))
			batch.Put([]byte(seenKey(observed.UnixNano(), triple)), nil)
			if err := s.db.Write(batch, nil); err != nil {
				return false, fmt.Errorf("refresh nonce: %w", err)
			}
		}
		return true, nil
	}

	batch := new(leveldb.Batch)
	batch.Put(nonceKey, encodeNanos(observed.UnixNano()))
	batch.Put([]byte(seenKey(observed.UnixNano(), triple)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// Recent implements NonceStore.
func (s *LevelDBNonceStore) Recent(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("nonce store not open")
	}
	start := []byte(seenKey(cutoff.UTC().UnixNano(), ""))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(seenPrefix)), nil)
	defer iter.Release()

	records := make([]NonceRecord, 0)
	for ok := iter.Seek(start); ok; ok = iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		triple, nanos, ok := parseSeenKey(iter.Key())
		if !ok {
			continue
		}
		parts := strings.SplitN(triple, "|", 3)
		if len(parts) != 3 {
			continue
		}
		records = append(records, NonceRecord{
			APIKey:     parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate nonces: %w", err)
	}
	return records, nil
}

// Prune implements NonceStore.
func (s *LevelDBNonceStore) Prune(ctx context.Context, cutoff time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("nonce store not open")
	}
	end := []byte(seenKey(cutoff.UTC().UnixNano(), ""))
	iter := s.db.NewIterator(util.BytesPrefix([]byte(seenPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if bytes.Compare(iter.Key(), end) >= 0 {
			break
		}
		triple, _, ok := parseSeenKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(noncePrefix + triple))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate nonces: %w", err)
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune nonces: %w", err)
		}
	}
	return nil
}

// seenKey zero-pads nanos so lexicographic key order matches time order.
func seenKey(nanos int64, triple string) string {
	return fmt.Sprintf("%s%020d:%s", seenPrefix, nanos, triple)
}

func parseSeenKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}

func encodeNanos(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
