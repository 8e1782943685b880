package redis

import "fmt"

// OrderLockKey 单个订单履约期间的互斥锁。
func OrderLockKey(orderID string) string {
	return fmt.Sprintf("fulfillment:lock:order:%s", orderID)
}

// FulfillmentStateKey 存储订单最近一次履约结果，供后台查询。
func FulfillmentStateKey(orderID string) string {
	return fmt.Sprintf("fulfillment:state:%s", orderID)
}

// WebhookRateLimitKey 按支付渠道 + 来源 IP 限流。
func WebhookRateLimitKey(provider, clientIP string) string {
	return fmt.Sprintf("rate_limit:webhook:%s:ip:%s", provider, clientIP)
}

// CourseCacheKey caches CMS course structure.
func CourseCacheKey(courseID string) string {
	return fmt.Sprintf("fulfillment:cms:course:%s", courseID)
}
