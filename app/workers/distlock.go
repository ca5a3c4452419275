package workers

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when it still holds our token, so an
// expired lock reacquired by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// distLock is a single-holder redis lock used to keep periodic jobs from
// running concurrently across instances.
type distLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	token  string
}

func newDistLock(client redis.UniversalClient, key string, ttl time.Duration) *distLock {
	return &distLock{client: client, key: key, ttl: ttl}
}

// Acquire attempts to take the lock; false means another holder owns it
func (l *distLock) Acquire(ctx context.Context) (bool, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return false, err
	}
	l.token = fmt.Sprintf("%x", buf)
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// Release gives the lock back if we still hold it
func (l *distLock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
