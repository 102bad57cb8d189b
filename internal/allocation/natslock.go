package allocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"evalgo.org/metalpool/models"
)

// NATSLocker is a cluster-wide Locker for replicated allocators, built on a
// JetStream key-value bucket. Holding the lock means having created the
// key; the bucket TTL releases the lock of a holder that died.
type NATSLocker struct {
	kv     jetstream.KeyValue
	key    string
	retry  time.Duration
	logger *zap.Logger
}

// NewNATSLocker creates (or reuses) bucket and returns a lock on key name.
func NewNATSLocker(ctx context.Context, js jetstream.JetStream, bucket, name string, ttl, retry time.Duration, logger *zap.Logger) (*NATSLocker, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "metalpool allocation locks",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open lock bucket %s: %w", bucket, err)
	}
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &NATSLocker{
		kv:     kv,
		key:    name,
		retry:  retry,
		logger: logger.Named("natslock"),
	}, nil
}

// Lock polls until the key can be created or ctx is done.
func (l *NATSLocker) Lock(ctx context.Context) (func(), error) {
	holder := models.GenerateToken()
	for {
		rev, err := l.kv.Create(ctx, l.key, []byte(holder))
		if err == nil {
			return l.unlocker(rev), nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *NATSLocker) unlocker(rev uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// the request context may already be cancelled
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.kv.Delete(ctx, l.key, jetstream.LastRevision(rev)); err != nil {
				l.logger.Warn("failed to release lock, it will expire",
					zap.String("key", l.key),
					zap.Error(err))
			}
		})
	}
}
