package syncutil

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the lease only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared by every process talking to the same Redis.
// Each lock is a SET NX PX lease holding a random token, renewed every third
// of the lease until released, so the lease only bounds how long a crashed
// holder blocks others.
type RedisLocker struct {
	client   redis.Cmdable
	prefix   string
	lease    time.Duration
	minDelay time.Duration
	maxDelay time.Duration
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithLease sets how long a lock survives a crashed holder.
func WithLease(d time.Duration) RedisOption {
	return func(l *RedisLocker) { l.lease = d }
}

// WithPrefix namespaces lock keys.
func WithPrefix(p string) RedisOption {
	return func(l *RedisLocker) { l.prefix = p }
}

// WithPollInterval sets the initial and maximum wait between acquisition attempts.
func WithPollInterval(initial, ceiling time.Duration) RedisOption {
	return func(l *RedisLocker) {
		l.minDelay = initial
		l.maxDelay = ceiling
	}
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client redis.Cmdable, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:   client,
		prefix:   "upiramp:lock:",
		lease:    30 * time.Second,
		minDelay: 5 * time.Millisecond,
		maxDelay: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LockContext polls SET NX until it wins the key or ctx is done.
func (l *RedisLocker) LockContext(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()
	delay := l.minDelay

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.lease).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("syncutil: acquire %s: %w", key, err)
		}
		if ok {
			stop := make(chan struct{})
			go l.keepAlive(k, token, stop)
			return l.unlockFunc(k, token, stop), nil
		}

		// +-25% jitter so waiters on a hot key do not poll in lockstep.
		jitter := delay / 4
		sleep := delay - jitter + time.Duration(rand.Int64N(int64(2*jitter)+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		if delay < l.maxDelay {
			delay = min(delay*2, l.maxDelay)
		}
	}
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}) {
	every := max(l.lease/3, time.Millisecond)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.lease.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			// Lease lost to expiry; someone else may hold the key now.
			return
		}
	}
}

func (l *RedisLocker) unlockFunc(key, token string, stop chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			// The caller's ctx may already be cancelled; release must still run.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		})
	}
}

var _ Locker = (*RedisLocker)(nil)
