package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Locker serializes the write path of one provider.
type Locker interface {
	// Lock blocks until key is held or ctx is done. The returned func
	// releases the lock.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker keyed by provider ID.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock implements Locker.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, eris.Wrapf(ctx.Err(), "ledger: lock %s", key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// held reports how many callers hold or wait on key.
func (k *KeyedMutex) held(key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.locks[key]; ok {
		return e.refs
	}
	return 0
}

// unlockScript deletes the key only when it still carries our token.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a Locker shared by every process pointed at the same Redis.
// The lock is not renewed while held: it assumes every critical section
// finishes within the TTL. A holder that outlives it may overlap with the
// next holder; its release then leaves the new holder's key in place.
type RedisLocker struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets how long a lock survives a crashed holder. It must exceed
// the longest write a holder performs, including the store's statement
// timeout and the read-back that follows.
func WithTTL(d time.Duration) RedisOption {
	return func(l *RedisLocker) { l.ttl = d }
}

// WithPollInterval sets the retry interval while a lock is contended.
func WithPollInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) { l.poll = d }
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(p string) RedisOption {
	return func(l *RedisLocker) { l.prefix = p }
}

// NewRedisLocker creates a RedisLocker on client.
func NewRedisLocker(client goredis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: "provider-qa:lock:",
		ttl:    30 * time.Second,
		poll:   50 * time.Millisecond,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Lock implements Locker with SET NX PX and a random token.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	rkey := l.prefix + key

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			return nil, eris.Wrapf(err, "ledger: redis lock %s", key)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "ledger: redis lock %s", key)
		case <-ticker.C:
		}
	}

	acquired := time.Now()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		released, err := unlockScript.Run(ctx, l.client, []string{rkey}, token).Int()
		switch {
		case err != nil:
			zap.L().Warn("ledger: redis unlock failed", zap.String("key", key), zap.Error(err))
		case released == 0:
			zap.L().Warn("ledger: redis lock expired before release",
				zap.String("key", key),
				zap.Duration("held", time.Since(acquired)),
				zap.Duration("ttl", l.ttl),
			)
		}
	}, nil
}
