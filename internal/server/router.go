package server

import (
	"net/http"
	"time"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/auth"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/config"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/metrics"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/mw"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/service"
	"github.com/FuturIsHere/Nox-Network-sub000/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// App is the assembled HTTP surface and the services behind it.
type App struct {
	Engine  *gin.Engine
	Router  *ws.Router
	Users   *service.UserService
	Convs   *service.ConversationService
	Msgs    *service.MessageService
	limiter *mw.RL
}

// Close stops background middleware work.
func (a *App) Close() {
	a.limiter.Stop()
}

// New wires the store services, the event router and all routes.
func New(cfg config.Config, gdb *gorm.DB, media service.MediaRemover) *App {
	rt := ws.NewRouter(ws.Options{
		SendBuffer: cfg.WSSendBuffer,
		Scope:      ws.PresenceScope(cfg.PresenceScope),
		AckSends:   true,
	})
	users := service.NewUserService(gdb)
	convs := service.NewConversationService(gdb, rt)
	msgs := service.NewMessageService(gdb, convs, media)
	rt.SetPeerDirectory(convs)

	app := &App{
		Router:  rt,
		Users:   users,
		Convs:   convs,
		Msgs:    msgs,
		limiter: mw.NewRateLimiter(requestRate(cfg), cfg.RateLimitBurst, 2*time.Minute),
	}
	app.Engine = setupRouter(cfg, app)
	return app
}

// requestRate treats a non-positive RATE_LIMIT_RPS as unlimited.
func requestRate(cfg config.Config) rate.Limit {
	if cfg.RateLimitRPS <= 0 {
		return rate.Inf
	}
	return rate.Limit(cfg.RateLimitRPS)
}

func setupRouter(cfg config.Config, app *App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": app.Router.SessionCount()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(app.Convs, app.Msgs)
	authn := auth.AuthMiddleware(cfg, app.Users)

	api := r.Group("/api/v1")
	api.Use(authn, mw.RateLimit(app.limiter))
	{
		api.GET("/me", func(c *gin.Context) {
			u, err := app.Users.Get(c.Request.Context(), auth.GetUserID(c))
			if err != nil {
				fail(c, err, "get user")
				return
			}
			c.JSON(http.StatusOK, gin.H{"id": u.ID, "username": u.Username, "online": app.Router.IsOnline(u.ID)})
		})
		api.GET("/messages", h.ListConversations)
		api.POST("/messages", h.StartConversation)
		api.DELETE("/messages/:conversationId", h.DeleteConversation)
		api.POST("/messages/:conversationId/read", h.MarkRead)
		api.GET("/messages/:conversationId/messages", h.ListMessages)
		api.POST("/messages/:conversationId/messages", h.CreateMessage)
		api.DELETE("/messages/:conversationId/messages/:messageId", h.DeleteMessage)
	}

	r.GET("/ws", authn, func(c *gin.Context) {
		ws.Serve(app.Router, c.Writer, c.Request, auth.GetUserID(c), cfg.WSMaxMessageBytes)
	})
	return r
}
