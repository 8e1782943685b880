package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	DBPath   string `envconfig:"DB_PATH" default:"fulfillment.db"`

	// json | text
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`

	// Kafka 集群地址（逗号分隔）；ASYNC_APPROVALS=true 时 webhook 只投递消息，由消费者履约。
	KafkaBrokers       []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaApprovalTopic string   `envconfig:"KAFKA_APPROVAL_TOPIC" default:"payment.approved"`
	KafkaMailTopic     string   `envconfig:"KAFKA_MAIL_TOPIC" default:"mail.outbound"`
	KafkaGroupID       string   `envconfig:"KAFKA_GROUP_ID" default:"fulfillment-approval-consumer"`
	AsyncApprovals     bool     `envconfig:"ASYNC_APPROVALS" default:"false"`

	// log | kafka
	MailDelivery string `envconfig:"MAIL_DELIVERY" default:"log"`

	// 失败 webhook 的重试 Stream
	RetryStream      string `envconfig:"RETRY_STREAM" default:"fulfillment:webhook_retry"`
	RetryGroup       string `envconfig:"RETRY_GROUP" default:"fulfillment-retry-group"`
	RetryConsumer    string `envconfig:"RETRY_CONSUMER" default:"fulfillment-retry-1"`
	RetryMaxAttempts int    `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`

	WebhookRateLimit  int           `envconfig:"WEBHOOK_RATE_LIMIT" default:"120"`
	WebhookRateWindow time.Duration `envconfig:"WEBHOOK_RATE_WINDOW" default:"1m"`

	OrderLockTTL        time.Duration `envconfig:"ORDER_LOCK_TTL" default:"30s"`
	FulfillmentStateTTL time.Duration `envconfig:"FULFILLMENT_STATE_TTL" default:"72h"`

	CMSBaseURL  string        `envconfig:"CMS_BASE_URL"`
	CMSToken    string        `envconfig:"CMS_TOKEN"`
	CMSTimeout  time.Duration `envconfig:"CMS_TIMEOUT" default:"5s"`
	CMSCacheTTL time.Duration `envconfig:"CMS_CACHE_TTL" default:"10m"`

	WompiEventsSecret string `envconfig:"WOMPI_EVENTS_SECRET"`
	EpaycoCustomerID  string `envconfig:"EPAYCO_CUSTOMER_ID"`
	EpaycoPKey        string `envconfig:"EPAYCO_P_KEY"`

	// 后台手动确认支付的管理员令牌（必填）
	AdminToken string `envconfig:"ADMIN_TOKEN"`
	// 站点后端调用课程访问接口的服务令牌（必填）
	ServiceToken string `envconfig:"SERVICE_TOKEN"`
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("read env: %w", err)
	}
	cfg.KafkaBrokers = compact(cfg.KafkaBrokers)

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return AppConfig{}, fmt.Errorf("LOG_FORMAT must be json or text")
	}
	switch cfg.MailDelivery {
	case "log", "kafka":
	default:
		return AppConfig{}, fmt.Errorf("MAIL_DELIVERY must be log or kafka")
	}
	if cfg.WebhookRateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("WEBHOOK_RATE_LIMIT must be > 0")
	}
	if cfg.WebhookRateWindow < time.Second {
		return AppConfig{}, fmt.Errorf("WEBHOOK_RATE_WINDOW must be >= 1s")
	}
	if cfg.RetryMaxAttempts <= 0 {
		return AppConfig{}, fmt.Errorf("RETRY_MAX_ATTEMPTS must be > 0")
	}
	if cfg.OrderLockTTL <= 0 {
		return AppConfig{}, fmt.Errorf("ORDER_LOCK_TTL must be > 0")
	}
	if cfg.AdminToken == "" || cfg.ServiceToken == "" {
		return AppConfig{}, fmt.Errorf("ADMIN_TOKEN and SERVICE_TOKEN must not be empty")
	}
	if cfg.RetryStream == "" || cfg.RetryGroup == "" || cfg.RetryConsumer == "" {
		return AppConfig{}, fmt.Errorf("RETRY_STREAM, RETRY_GROUP and RETRY_CONSUMER must not be empty")
	}

	needKafka := cfg.AsyncApprovals || cfg.MailDelivery == "kafka"
	if needKafka {
		if len(cfg.KafkaBrokers) == 0 {
			return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
		if cfg.AsyncApprovals && (cfg.KafkaApprovalTopic == "" || cfg.KafkaGroupID == "") {
			return AppConfig{}, fmt.Errorf("KAFKA_APPROVAL_TOPIC and KAFKA_GROUP_ID must not be empty")
		}
		if cfg.MailDelivery == "kafka" && cfg.KafkaMailTopic == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_MAIL_TOPIC must not be empty")
		}
	}
	return cfg, nil
}

// compact 去掉空白与空元素。
func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
