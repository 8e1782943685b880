package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"fulfillment/internal/config"
	"fulfillment/internal/courseaccess"
	"fulfillment/internal/fulfillment"
	"fulfillment/internal/middleware"
	"fulfillment/internal/webhook"
	rediskey "fulfillment/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

// Deps 是路由层依赖的组件集合。
type Deps struct {
	RDB       *rd.Client
	Processor *fulfillment.Processor
	Webhooks  *webhook.Service
	Courses   *courseaccess.Service
	Config    config.AppConfig
	Log       *slog.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	cfg := d.Config
	// Payment gateways
	r.POST("/api/webhooks/wompi",
		middleware.WebhookRateLimit(d.RDB, webhook.ProviderWompi, cfg.WebhookRateLimit, cfg.WebhookRateWindow, d.Log),
		wompiWebhook(d))
	r.POST("/api/webhooks/epayco",
		middleware.WebhookRateLimit(d.RDB, webhook.ProviderEpayco, cfg.WebhookRateLimit, cfg.WebhookRateWindow, d.Log),
		epaycoWebhook(d))
	// Admin
	admin := r.Group("/api/admin", middleware.RequireToken("X-Admin-Token", cfg.AdminToken))
	admin.POST("/payments/:order_id/verify", verifyPayment(d))
	admin.GET("/orders/:order_id/fulfillment", getFulfillment(d))
	// Course access：由站点后端携带服务令牌调用，user_id 是其已认证的用户
	access := r.Group("/api/access", middleware.RequireToken("X-Service-Token", cfg.ServiceToken))
	access.GET("/courses/:course_id", courseSchedule(d.Courses))
	access.POST("/courses/:course_id/lessons/:lesson_id/complete", completeLesson(d.Courses))
}

// wompiWebhook 接收 Wompi transaction.updated 事件。
func wompiWebhook(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		out, err := d.Webhooks.HandleWompi(c.Request.Context(), raw)
		respondWebhook(c, d, out, err)
	}
}

// epaycoWebhook 接收 ePayco 表单确认。
func epaycoWebhook(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		out, err := d.Webhooks.HandleEpayco(c.Request.Context(), c.Request.Form)
		respondWebhook(c, d, out, err)
	}
}

func respondWebhook(c *gin.Context, d Deps, out webhook.Outcome, err error) {
	if out.Result != nil {
		saveState(c.Request.Context(), d, *out.Result)
	}
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "invalid signature"})
	case errors.Is(err, webhook.ErrMalformedEvent):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
	case err != nil:
		// 返回 5xx 让网关重投；重复投递由幂等键吸收。
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error(), "data": out})
	default:
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": out})
	}
}

// verifyPayment 后台手动确认支付（例如网关回调丢失时）。
func verifyPayment(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			TransactionID string `json:"transaction_id" binding:"required"`
			PaymentMethod string `json:"payment_method"`
			SkipEmail     bool   `json:"skip_email"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		res, err := d.Processor.ApprovePayment(c.Request.Context(), c.Param("order_id"), fulfillment.Approval{
			TransactionID: req.TransactionID,
			PaymentMethod: req.PaymentMethod,
			SkipEmail:     req.SkipEmail,
		})
		switch {
		case errors.Is(err, fulfillment.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": err.Error()})
			return
		case errors.Is(err, fulfillment.ErrOrderNotPayable):
			c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		saveState(c.Request.Context(), d, res)
		switch {
		case res.Success:
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": res})
		case errors.Is(res.Err(), fulfillment.ErrFulfillmentInProgress):
			c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": res.Error, "data": res})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": res.Error, "data": res})
		}
	}
}

// getFulfillment 查询订单履约状态：先查 Redis，未命中回落到数据库中的履约记录。
func getFulfillment(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		o, err := d.Processor.FindOrder(ctx, c.Param("order_id"))
		if err != nil {
			if errors.Is(err, fulfillment.ErrOrderNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		st, found, err := rediskey.GetFulfillmentState(ctx, d.RDB, o.ID)
		if err != nil {
			d.Log.Warn("fulfillment state read failed", slog.String("order_id", o.ID), slog.String("error", err.Error()))
		}
		records, err := d.Processor.FulfillmentRecords(ctx, o.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		data := gin.H{
			"order_id":       o.ID,
			"order_number":   o.OrderNumber,
			"payment_status": o.PaymentStatus,
			"records":        records,
		}
		if found {
			data["status"] = st.Status
			data["reason"] = st.Reason
			data["updated_at"] = st.UpdatedAt
		} else if len(records) > 0 {
			data["status"] = rediskey.StateFulfilled
		} else {
			data["status"] = "not_fulfilled"
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
	}
}

// courseSchedule 返回课程访问权限与课时解锁进度。
func courseSchedule(courses *courseaccess.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q struct {
			UserID string `form:"user_id" binding:"required"`
		}
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		s, err := courses.LessonSchedule(c.Request.Context(), q.UserID, c.Param("course_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if !s.HasAccess {
			c.JSON(http.StatusForbidden, gin.H{"code": 403, "msg": "no access", "data": s})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": s})
	}
}

// completeLesson 标记课时完成并返回最新课程进度。
func completeLesson(courses *courseaccess.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		p, err := courses.CompleteLesson(c.Request.Context(), req.UserID, c.Param("course_id"), c.Param("lesson_id"))
		switch {
		case errors.Is(err, courseaccess.ErrNoAccess), errors.Is(err, courseaccess.ErrLessonLocked):
			c.JSON(http.StatusForbidden, gin.H{"code": 403, "msg": err.Error()})
		case errors.Is(err, courseaccess.ErrUnknownLesson):
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": p})
		}
	}
}

// saveState 把履约结果写入 Redis，写失败只记日志。
func saveState(ctx context.Context, d Deps, res fulfillment.Result) {
	if res.OrderID == "" {
		return
	}
	st := rediskey.FulfillmentState{
		OrderID:   res.OrderID,
		Resources: len(res.CreatedResources),
		UpdatedAt: time.Now().UTC(),
	}
	switch {
	case !res.Success:
		st.Status, st.Reason = rediskey.StateFailed, res.Error
	case res.Duplicate:
		st.Status = rediskey.StateDuplicate
	default:
		st.Status = rediskey.StateFulfilled
	}
	if err := rediskey.PutFulfillmentState(context.WithoutCancel(ctx), d.RDB, st, d.Config.FulfillmentStateTTL); err != nil {
		d.Log.Warn("fulfillment state write failed", slog.String("order_id", res.OrderID), slog.String("error", err.Error()))
	}
}
