package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaReleaseOrderLockIfMatch 仅当锁值匹配 token 时才删除，避免误删其他进程的锁。
const luaReleaseOrderLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// OrderLocker serializes fulfillment of one order across processes.
type OrderLocker struct {
	rdb *rd.Client
}

func NewOrderLocker(rdb *rd.Client) *OrderLocker {
	return &OrderLocker{rdb: rdb}
}

// Acquire sets the lock with SET NX PX. ok=false means another holder has it.
func (l *OrderLocker) Acquire(ctx context.Context, orderID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, OrderLockKey(orderID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release 安全释放订单锁。
func (l *OrderLocker) Release(ctx context.Context, orderID, token string) error {
	_, err := l.rdb.Eval(ctx, luaReleaseOrderLockIfMatch, []string{OrderLockKey(orderID)}, token).Int()
	return err
}
