package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// Reprocessor re-runs a stored webhook event.
type Reprocessor interface {
	ReprocessWebhook(ctx context.Context, eventID string) error
}

// EnqueueRetry 把处理失败的 webhook 事件写入重试 Stream。attempt 为已失败次数。
func EnqueueRetry(ctx context.Context, rdb *rd.Client, stream, eventID string, attempt int) error {
	return rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: stream,
		Values: map[string]any{"event_id": eventID, "attempt": attempt},
	}).Err()
}

// RetryRelay 从 Redis Stream 读取失败的 webhook 事件并重新履约。
// 语义：成功才 ACK；失败时在同一个事务管道内 ACK 旧消息并追加 attempt+1 的新消息，
// 达到上限后转入死信 Stream。
type RetryRelay struct {
	rdb     *rd.Client
	handler Reprocessor
	log     *slog.Logger

	stream      string
	deadStream  string
	group       string
	consumer    string
	maxAttempts int
	retryDelay  time.Duration
}

func NewRetryRelay(rdb *rd.Client, handler Reprocessor, log *slog.Logger, stream, group, consumer string, maxAttempts int) *RetryRelay {
	return &RetryRelay{
		rdb:         rdb,
		handler:     handler,
		log:         log,
		stream:      stream,
		deadStream:  stream + ":dead",
		group:       group,
		consumer:    consumer,
		maxAttempts: maxAttempts,
		retryDelay:  time.Second,
	}
}

func (r *RetryRelay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error("relay ensure group", slog.String("error", err.Error()))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// 先尝试处理当前消费者历史 pending，避免遗留消息长期堆积。
		msgs, err := r.readGroup(ctx, "0", 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Error("relay read pending", slog.String("error", err.Error()))
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if len(msgs) == 0 {
			msgs, err = r.readGroup(ctx, ">", 2*time.Second)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				r.log.Error("relay read new", slog.String("error", err.Error()))
				time.Sleep(300 * time.Millisecond)
				continue
			}
		}

		for _, xm := range msgs {
			retried, err := r.processOne(ctx, xm)
			if err != nil {
				// 管道失败不 ACK，消息保留在 pending 中等待下一轮。
				r.log.Error("relay process message", slog.String("id", xm.ID), slog.String("error", err.Error()))
				time.Sleep(200 * time.Millisecond)
				break
			}
			if retried {
				select {
				case <-ctx.Done():
					return
				case <-time.After(r.retryDelay):
				}
			}
		}
	}
}

// relayBatch 每次从重试 Stream 读取的最大事件数。
const relayBatch = 16

// ensureGroup 创建重试 Stream 的消费组；已存在时忽略 BUSYGROUP。
func (r *RetryRelay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create retry group %s: %w", r.group, err)
	}
	return nil
}

// readGroup 读取待重试的 webhook 事件；streamID "0" 为本消费者未 ACK 的事件，">" 为新事件。
func (r *RetryRelay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    relayBatch,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, relayBatch)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// processOne returns retried=true when the event failed again and was re-enqueued.
func (r *RetryRelay) processOne(ctx context.Context, xm rd.XMessage) (bool, error) {
	eventID, attempt, err := parseRetryEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		r.log.Warn("relay dropping malformed message", slog.String("id", xm.ID), slog.String("error", err.Error()))
		return false, r.ack(ctx, r.rdb.TxPipeline(), xm.ID)
	}

	herr := r.handler.ReprocessWebhook(ctx, eventID)
	if herr == nil {
		return false, r.ack(ctx, r.rdb.TxPipeline(), xm.ID)
	}

	attempt++
	log := r.log.With(slog.String("event_id", eventID), slog.Int("attempt", attempt), slog.String("error", herr.Error()))
	pipe := r.rdb.TxPipeline()
	target := r.stream
	if attempt >= r.maxAttempts {
		target = r.deadStream
		log.Error("webhook event dead-lettered")
	} else {
		log.Warn("webhook event retry failed")
	}
	pipe.XAdd(ctx, &rd.XAddArgs{
		Stream: target,
		Values: map[string]any{"event_id": eventID, "attempt": attempt, "last_error": herr.Error()},
	})
	return target == r.stream, r.ack(ctx, pipe, xm.ID)
}

func (r *RetryRelay) ack(ctx context.Context, pipe rd.Pipeliner, id string) error {
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseRetryEvent(values map[string]interface{}) (string, int, error) {
	eventID, err := getStreamString(values, "event_id")
	if err != nil {
		return "", 0, err
	}
	if eventID == "" {
		return "", 0, fmt.Errorf("empty event_id")
	}
	attemptStr, err := getStreamString(values, "attempt")
	if err != nil {
		return "", 0, err
	}
	attempt, err := strconv.Atoi(attemptStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid attempt %q", attemptStr)
	}
	return eventID, attempt, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
