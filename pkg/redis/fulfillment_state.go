package redis

import (
	"context"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	// StateFulfilled 本次调用创建了资源。
	StateFulfilled = "fulfilled"
	// StateDuplicate 订单此前已履约，本次为幂等空操作。
	StateDuplicate = "duplicate"
	// StateFailed 履约失败，等待重试或人工处理。
	StateFailed = "failed"
)

// FulfillmentState 对应 Redis 内的订单履约状态结构。
type FulfillmentState struct {
	OrderID   string
	Status    string
	Resources int
	Reason    string
	UpdatedAt time.Time
}

// GetFulfillmentState 查询订单最近一次履约状态。found=false 表示 key 不存在。
func GetFulfillmentState(ctx context.Context, rdb *rd.Client, orderID string) (FulfillmentState, bool, error) {
	m, err := rdb.HGetAll(ctx, FulfillmentStateKey(orderID)).Result()
	if err != nil {
		return FulfillmentState{}, false, err
	}
	if len(m) == 0 {
		return FulfillmentState{}, false, nil
	}

	out := FulfillmentState{
		OrderID: orderID,
		Status:  m["status"],
		Reason:  m["reason"],
	}
	out.Resources, _ = strconv.Atoi(m["resources"])
	if ts, err := strconv.ParseInt(m["updated_at"], 10, 64); err == nil {
		out.UpdatedAt = time.Unix(ts, 0).UTC()
	}
	return out, true, nil
}

// PutFulfillmentState 更新履约状态，并刷新 key TTL。
func PutFulfillmentState(ctx context.Context, rdb *rd.Client, st FulfillmentState, ttl time.Duration) error {
	key := FulfillmentStateKey(st.OrderID)
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"order_id", st.OrderID,
		"status", st.Status,
		"resources", st.Resources,
		"reason", st.Reason,
		"updated_at", st.UpdatedAt.Unix(),
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
