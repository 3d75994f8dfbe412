package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const maxCASAttempts = 8

// NATSCounterStore keeps counters in a JetStream key/value bucket so every
// instance behind a load balancer shares them. Updates use the entry
// revision for compare-and-swap. The bucket TTL bounds how long idle
// counters linger.
type NATSCounterStore struct {
	kv nats.KeyValue
}

var _ CounterStore = (*NATSCounterStore)(nil)

// NewNATSCounterStore opens bucket, creating it with ttl if missing.
// ttl must be at least the longest window used with the store.
func NewNATSCounterStore(js nats.JetStreamContext, bucket string, ttl time.Duration, storage nats.StorageType) (*NATSCounterStore, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "estimatord rate limit counters",
			History:     1,
			TTL:         ttl,
			Storage:     storage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("opening rate limit bucket %q: %w", bucket, err)
	}
	return &NATSCounterStore{kv: kv}, nil
}

// kvKey hashes the counter key; user ids may contain characters KV keys
// do not allow.
func kvKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "rl." + hex.EncodeToString(sum[:16])
}

func (s *NATSCounterStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Counter, bool, error) {
	k := kvKey(key)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Counter{}, false, err
		}

		var (
			current  *Counter
			revision uint64
		)
		entry, err := s.kv.Get(k)
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
		case err != nil:
			return Counter{}, false, fmt.Errorf("reading counter: %w", err)
		default:
			var c Counter
			if err := json.Unmarshal(entry.Value(), &c); err != nil {
				return Counter{}, false, fmt.Errorf("decoding counter: %w", err)
			}
			current = &c
			revision = entry.Revision()
		}

		next, allowed := advance(current, limit, window, now)
		if !allowed {
			return next, false, nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return Counter{}, false, fmt.Errorf("encoding counter: %w", err)
		}
		if current == nil {
			_, err = s.kv.Create(k, data)
		} else {
			_, err = s.kv.Update(k, data, revision)
		}
		if err == nil {
			return next, true, nil
		}
		if !isRevisionConflict(err) {
			return Counter{}, false, fmt.Errorf("writing counter: %w", err)
		}
	}
	return Counter{}, false, ErrCounterContention
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
