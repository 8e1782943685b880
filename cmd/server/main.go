package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fulfillment/internal/cms"
	"fulfillment/internal/config"
	"fulfillment/internal/courseaccess"
	"fulfillment/internal/fulfillment"
	"fulfillment/internal/model"
	"fulfillment/internal/notify"
	"fulfillment/internal/queue"
	"fulfillment/internal/router"
	"fulfillment/internal/webhook"
	rediskey "fulfillment/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := newLogger(cfg)

	// 1. 连接 SQLite，自动建表
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		fatal(log, "db open", err)
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		fatal(log, "db migrate", err)
	}

	// 2. Redis：订单锁、履约状态、限流、重试 Stream
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	// 3. 课程目录（可选），带 Redis 缓存
	var catalog cms.Catalog
	if cfg.CMSBaseURL != "" {
		catalog = cms.NewCachedCatalog(rdb, cms.NewClient(cfg.CMSBaseURL, cfg.CMSToken, cfg.CMSTimeout), cfg.CMSCacheTTL, log)
	}
	courses := courseaccess.NewService(db, catalog)

	// 4. 通知发送：默认只记日志，MAIL_DELIVERY=kafka 时投递到邮件 topic
	var sender notify.Sender = notify.NewLogSender(log)
	if cfg.MailDelivery == "kafka" {
		mailProducer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaMailTopic)
		defer mailProducer.Close()
		sender = queue.NewMailPublisher(mailProducer)
	}
	dispatcher := notify.NewDispatcher(db, sender, log)

	proc := fulfillment.NewProcessor(db, courses, dispatcher,
		fulfillment.WithLocker(rediskey.NewOrderLocker(rdb), cfg.OrderLockTTL),
		fulfillment.WithLogger(log))

	hookOpts := []webhook.Option{webhook.WithRetrier(webhook.NewRedisRetrier(rdb, cfg.RetryStream))}
	if cfg.AsyncApprovals {
		approvals := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaApprovalTopic)
		defer approvals.Close()
		hookOpts = append(hookOpts, webhook.WithPublisher(approvals))
	}
	hooks := webhook.NewService(db, proc, webhook.Secrets{
		WompiEvents:      cfg.WompiEventsSecret,
		EpaycoCustomerID: cfg.EpaycoCustomerID,
		EpaycoPKey:       cfg.EpaycoPKey,
	}, log, hookOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. 后台：失败 webhook 重试；异步模式下消费支付成功消息
	relay := queue.NewRetryRelay(rdb, hooks, log, cfg.RetryStream, cfg.RetryGroup, cfg.RetryConsumer, cfg.RetryMaxAttempts)
	go relay.Run(ctx)
	if cfg.AsyncApprovals {
		consumer := queue.NewApprovalConsumer(cfg.KafkaBrokers, cfg.KafkaApprovalTopic, cfg.KafkaGroupID, proc, log)
		defer consumer.Close()
		go consumer.Run(ctx)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		RDB:       rdb,
		Processor: proc,
		Webhooks:  hooks,
		Courses:   courses,
		Config:    cfg,
		Log:       log,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", slog.String("error", err.Error()))
	}
}

func newLogger(cfg config.AppConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}
