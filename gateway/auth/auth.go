// Package auth verifies the HMAC partner-key scheme used by the shop REST
// gateway: every signed request carries an API key, a unix timestamp, a
// nonce, and an HMAC-SHA256 signature over the request metadata and body.
package auth

import (
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey identifies the calling partner.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) the request was signed at.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection together with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 request signature.
	HeaderSignature = "X-Signature"
	// MaxSignedBody caps the body size that participates in signing.
	MaxSignedBody int = 1 << 20 // 1 MiB

	maxTimestampSkew     = 2 * time.Minute
	defaultTimestampSkew = maxTimestampSkew
	maxNonceTTL          = 10 * time.Minute
	defaultNonceTTL      = maxNonceTTL
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
	storePruneInterval   = time.Minute
)

// ErrNonceReplayed reports a nonce that was already accepted inside the TTL
// window. ErrTimestampReplayed reports a timestamp at or before the newest one
// seen for the same key.
var (
	ErrNonceReplayed     = errors.New("nonce already used")
	ErrTimestampReplayed = errors.New("timestamp not increasing")
)

// Principal identifies an authenticated partner key.
type Principal struct {
	APIKey string
}

// NonceRecord is one accepted (key, timestamp, nonce) triple.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NonceStore persists accepted nonces so replay protection survives restarts.
type NonceStore interface {
	// Record stores the nonce unless it already exists; seen reports whether
	// it was present before the call.
	Record(ctx context.Context, rec NonceRecord) (seen bool, err error)
	// Recent returns records observed at or after cutoff.
	Recent(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	// Prune removes records observed before cutoff.
	Prune(ctx context.Context, cutoff time.Time) error
}

// Verifier checks partner signatures and guards against replays. A nil
// NonceStore keeps replay state purely in memory.
type Verifier struct {
	keys     map[string]string
	skew     time.Duration
	nonceTTL time.Duration
	capacity int
	now      func() time.Time

	cacheMu sync.Mutex
	caches  map[string]*replayCache

	stampMu sync.Mutex
	stamps  map[string]int64

	store     NonceStore
	lastPrune time.Time
}

// NewVerifier builds a Verifier for the given API key → shared secret map.
// Skew, TTL, and capacity are clamped to hard ceilings so configuration
// mistakes cannot widen the replay window.
func NewVerifier(keys map[string]string, skew, nonceTTL time.Duration, capacity int, now func() time.Time, store NonceStore) *Verifier {
	cleaned := make(map[string]string, len(keys))
	for id, secret := range keys {
		cleaned[strings.TrimSpace(id)] = strings.TrimSpace(secret)
	}
	if now == nil {
		now = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxTimestampSkew {
		skew = maxTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceTTL
	}
	if nonceTTL > maxNonceTTL {
		nonceTTL = maxNonceTTL
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	return &Verifier{
		keys:     cleaned,
		skew:     skew,
		nonceTTL: nonceTTL,
		capacity: capacity,
		now:      now,
		caches:   make(map[string]*replayCache),
		stamps:   make(map[string]int64),
		store:    store,
	}
}

// Verify validates the signing headers against the request body and returns
// the authenticated principal.
func (v *Verifier) Verify(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxSignedBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxSignedBody)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := v.keys[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixSeconds(tsHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := v.now().UTC()
	if drift := absDuration(now.Sub(ts)); v.skew > 0 && drift > v.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", v.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, errors.New("missing X-Signature header")
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	expected := signatureBytes(secret, tsHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	seen, err := v.rememberNonce(r.Context(), apiKey, tsHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrNonceReplayed
	}
	if v.timestampReplayed(apiKey, ts, now) {
		return nil, ErrTimestampReplayed
	}
	return &Principal{APIKey: apiKey}, nil
}

// Hydrate warms the in-memory replay caches from the nonce store so a
// restarted gateway keeps rejecting recently-used nonces.
func (v *Verifier) Hydrate(ctx context.Context, cutoff time.Time) error {
	if v == nil || v.store == nil {
		return nil
	}
	records, err := v.store.Recent(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persisted nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.APIKey) == "" || strings.TrimSpace(rec.Timestamp) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		v.cache(rec.APIKey).add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (v *Verifier) rememberNonce(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	cache := v.cache(apiKey)
	composite := timestamp + "|" + nonce
	if cache.contains(composite, now) {
		return true, nil
	}
	if v.store != nil {
		if err := v.pruneStore(ctx, now); err != nil {
			return false, err
		}
		seen, err := v.store.Record(ctx, NonceRecord{
			APIKey:     apiKey,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if seen {
			cache.add(composite, now)
			return true, nil
		}
	}
	cache.add(composite, now)
	return false, nil
}

func (v *Verifier) pruneStore(ctx context.Context, now time.Time) error {
	if v.store == nil || v.nonceTTL <= 0 {
		return nil
	}
	if !v.lastPrune.IsZero() && now.Sub(v.lastPrune) < storePruneInterval {
		return nil
	}
	if err := v.store.Prune(ctx, now.Add(-v.nonceTTL)); err != nil {
		return fmt.Errorf("prune persisted nonces: %w", err)
	}
	v.lastPrune = now
	return nil
}

// timestampReplayed enforces strictly increasing timestamps per key while the
// previous timestamp is still inside the skew window.
func (v *Verifier) timestampReplayed(apiKey string, ts, now time.Time) bool {
	if v.skew <= 0 {
		return false
	}
	cutoff := now.Add(-v.skew)
	current := ts.Unix()

	v.stampMu.Lock()
	defer v.stampMu.Unlock()

	last, ok := v.stamps[apiKey]
	if ok {
		if time.Unix(last, 0).UTC().After(cutoff) {
			if current <= last {
				return true
			}
		} else {
			delete(v.stamps, apiKey)
			ok = false
		}
	}
	if !ok || current > last {
		v.stamps[apiKey] = current
	}
	return false
}

func (v *Verifier) cache(apiKey string) *replayCache {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	cache, ok := v.caches[apiKey]
	if !ok {
		cache = newReplayCache(v.nonceTTL, v.capacity)
		v.caches[apiKey] = cache
	}
	return cache
}

// CanonicalRequestPath normalises the path and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery sorts raw query parameters so both sides sign the same bytes.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// Signature returns the hex-encoded HMAC-SHA256 signature clients must send
// in X-Signature.
func Signature(secret, timestamp, nonce, method, path string, body []byte) string {
	return hex.EncodeToString(signatureBytes(secret, timestamp, nonce, method, path, body))
}

func signatureBytes(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixSeconds(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// replayCache is a TTL+capacity bounded set of recently accepted nonces,
// evicting oldest-first.
type replayCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type replayEntry struct {
	key string
	at  time.Time
}

func newReplayCache(ttl time.Duration, capacity int) *replayCache {
	if ttl <= 0 {
		ttl = defaultNonceTTL
	}
	if ttl > maxNonceTTL {
		ttl = maxNonceTTL
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	if capacity > maxNonceCapacity {
		capacity = maxNonceCapacity
	}
	return &replayCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// contains reports whether the key is present without inserting it.
func (c *replayCache) contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now.Add(-c.ttl))
	_, ok := c.entries[key]
	return ok
}

func (c *replayCache) add(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now.Add(-c.ttl))
	if elem, ok := c.entries[key]; ok {
		elem.Value = replayEntry{key: key, at: now}
		c.order.MoveToBack(elem)
		return
	}
	for c.order.Len() >= c.capacity {
		c.dropOldest()
	}
	c.entries[key] = c.order.PushBack(replayEntry{key: key, at: now})
}

func (c *replayCache) expire(cutoff time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(replayEntry)
		if !entry.at.Before(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

func (c *replayCache) dropOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(replayEntry)
	c.order.Remove(front)
	delete(c.entries, entry.key)
}
