package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouterConfig 路由挂载参数，nil 的 handler 不挂载
type RouterConfig struct {
	Mode          string
	Messages      *MessageHandler
	WebSocketPath string
	WebSocket     http.Handler
	Health        http.Handler
	Ready         func(*http.Request) bool
	MetricsPath   string
	Metrics       http.Handler
	UploadsDir    string
	Logger        *slog.Logger

	// CORSOrigins 为空时不启用跨域中间件
	CORSOrigins     []string
	CORSCredentials bool
}

// SetupRouter 设置路由
func SetupRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(RequestLogger(cfg.Logger))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins, []string{"GET", "POST", "OPTIONS"}, cfg.CORSCredentials))
	}

	if cfg.WebSocket != nil {
		r.GET(cfg.WebSocketPath, gin.WrapH(cfg.WebSocket))
	}
	if cfg.Health != nil {
		r.GET("/health", gin.WrapH(cfg.Health))
	}
	if cfg.Ready != nil {
		r.GET("/ready", func(c *gin.Context) {
			if cfg.Ready(c.Request) {
				c.String(http.StatusOK, "OK")
				return
			}
			c.String(http.StatusServiceUnavailable, "Not Ready")
		})
	}
	if cfg.Metrics != nil {
		r.GET(cfg.MetricsPath, gin.WrapH(cfg.Metrics))
	}
	if cfg.UploadsDir != "" {
		r.Static("/uploads", cfg.UploadsDir)
	}

	if cfg.Messages != nil {
		v1 := r.Group("/api/v1")
		{
			v1.POST("/messages", cfg.Messages.StoreMessage)
			v1.GET("/messages", cfg.Messages.History)
			v1.GET("/messages/:id", cfg.Messages.GetMessage)
			v1.GET("/unread-counts/:userId", cfg.Messages.UnreadCounts)

			hooks := v1.Group("/hooks")
			{
				hooks.POST("/message-stored", cfg.Messages.MessageStored)
				hooks.POST("/unread", cfg.Messages.PushUnread)
			}
		}
	}

	return r
}
