package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"time"

	nats "github.com/nats-io/nats.go"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const defaultNATSBucket = "latch_locks"

// natsRecord is the value written to the bucket. The expiry travels with the
// record because JetStream key-value buckets only support a bucket-wide TTL.
type natsRecord struct {
	Token     string `json:"t"`
	ExpiresAt int64  `json:"e"` // UnixMilli
}

// NATS implements Store on a JetStream key-value bucket. Atomicity comes from
// revision checks: creation only succeeds on an absent key, takeover of an
// expired record and deletion both carry the revision they observed.
type NATS struct {
	kv  nats.KeyValue
	now func() time.Time
}

// NATSOptions configures a NATS store.
type NATSOptions struct {
	// Bucket is the key-value bucket name. Defaults to "latch_locks".
	Bucket string
	// MaxAge is the bucket-wide TTL. It only acts as a backstop for records
	// nobody touches again and should exceed the longest lock ttl in use.
	MaxAge time.Duration
	// Replicas is the bucket replication factor used when the bucket is
	// created.
	Replicas int
	// Now replaces the time source used to evaluate expiry.
	Now func() time.Time
}

// NewNATS binds to the configured bucket, creating it when it does not exist.
func NewNATS(js nats.JetStreamContext, opts NATSOptions) (*NATS, error) {
	if opts.Bucket == "" {
		opts.Bucket = defaultNATSBucket
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	kv, err := js.KeyValue(opts.Bucket)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:   opts.Bucket,
			History:  1,
			TTL:      opts.MaxAge,
			Replicas: opts.Replicas,
		})
	}
	if err != nil {
		return nil, err
	}
	return &NATS{kv: kv, now: opts.Now}, nil
}

// TrySetIfAbsent implements Store.TrySetIfAbsent.
func (s *NATS) TrySetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, latcherrors.FromContext(err)
	}
	k := natsKey(key)
	now := s.now()
	data, err := json.Marshal(natsRecord{Token: value, ExpiresAt: now.Add(ttl).UnixMilli()})
	if err != nil {
		return false, err
	}
	if _, err := s.kv.Create(k, data); err == nil {
		return true, nil
	} else if !isRevisionConflict(err) {
		return false, translateNATSErr(err)
	}

	entry, err := s.kv.Get(k)
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		// released between Create and Get; the next attempt will win or lose fairly
		return false, nil
	}
	if err != nil {
		return false, translateNATSErr(err)
	}
	var cur natsRecord
	if err := json.Unmarshal(entry.Value(), &cur); err != nil {
		return false, err
	}
	if now.UnixMilli() < cur.ExpiresAt {
		return false, nil
	}
	if _, err := s.kv.Update(k, data, entry.Revision()); err != nil {
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, translateNATSErr(err)
	}
	return true, nil
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *NATS) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, latcherrors.FromContext(err)
	}
	k := natsKey(key)
	entry, err := s.kv.Get(k)
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, translateNATSErr(err)
	}
	var cur natsRecord
	if err := json.Unmarshal(entry.Value(), &cur); err != nil {
		return false, err
	}
	if cur.Token != expected || s.now().UnixMilli() >= cur.ExpiresAt {
		return false, nil
	}
	if err := s.kv.Delete(k, nats.LastRevision(entry.Revision())); err != nil {
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, translateNATSErr(err)
	}
	return true, nil
}

// natsKey maps an arbitrary lock key onto the restricted key alphabet of
// JetStream buckets.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func isRevisionConflict(err error) bool {
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return stdErrors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func translateNATSErr(err error) error {
	if stdErrors.Is(err, nats.ErrTimeout) {
		return latcherrors.ErrTimeout
	}
	if stdErrors.Is(err, nats.ErrConnectionClosed) {
		return latcherrors.ErrConnectionClosed
	}
	return err
}
