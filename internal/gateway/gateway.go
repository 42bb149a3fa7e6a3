package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/internal/accounts"
	"github.com/terminal-bench/civicledger/internal/auth"
	"github.com/terminal-bench/civicledger/internal/comments"
	"github.com/terminal-bench/civicledger/internal/delegations"
	"github.com/terminal-bench/civicledger/internal/ledger"
	"github.com/terminal-bench/civicledger/internal/metrics"
	"github.com/terminal-bench/civicledger/internal/proposals"
	"github.com/terminal-bench/civicledger/internal/quiz"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// Services are the domain services the gateway exposes
type Services struct {
	Ledger      *ledger.Ledger
	Accounts    *accounts.Service
	Quizzes     *quiz.Service
	Proposals   *proposals.Service
	Delegations *delegations.Service
	Comments    *comments.Service
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Config holds gateway configuration
type Config struct {
	RateLimit float64
	RateBurst int
	Checks    map[string]HealthCheck
}

// Gateway is the HTTP surface over the domain services
type Gateway struct {
	router  *gin.Engine
	svc     Services
	auth    *auth.Service
	feed    *Feed
	limiter *limiterSet
	checks  map[string]HealthCheck
	log     logrus.FieldLogger
}

// New creates a gateway. feed may be nil, which disables /ws.
func New(cfg Config, svc Services, authSvc *auth.Service, feed *Feed, log logrus.FieldLogger) *Gateway {
	g := &Gateway{
		router:  gin.New(),
		svc:     svc,
		auth:    authSvc,
		feed:    feed,
		limiter: newLimiterSet(cfg.RateLimit, cfg.RateBurst),
		checks:  cfg.Checks,
		log:     log.WithField("component", "gateway"),
	}

	g.setupRoutes()
	return g
}

// Handler returns the router
func (g *Gateway) Handler() http.Handler {
	return g.router
}

func (g *Gateway) setupRoutes() {
	g.router.Use(gin.Recovery())
	g.router.Use(g.tracingMiddleware())
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.healthCheck)
	g.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := g.router.Group("/api/v1")
	v1.POST("/accounts", g.register)

	authed := v1.Group("", g.authMiddleware())
	{
		// Accounts
		authed.GET("/accounts/me", g.getAccount)
		authed.GET("/accounts/me/balance", g.getBalance)
		authed.GET("/accounts/me/transactions", g.getHistory)

		// Proposals
		authed.POST("/proposals", g.createProposal)
		authed.GET("/proposals/:id", g.getProposal)
		authed.POST("/proposals/:id/votes", g.castVote)
		authed.GET("/proposals/:id/votes/me", g.getOwnVote)
		authed.POST("/proposals/:id/escalate", g.escalateProposal)
		// Deadline closes normally come from the sweep
		authed.POST("/proposals/:id/close", requireRole(models.RoleModerator, models.RoleAdmin), g.closeProposal)

		// Delegations
		authed.POST("/proposals/:id/delegations", g.createDelegation)
		authed.GET("/proposals/:id/delegations", g.listDelegations)
		authed.DELETE("/delegations/:id", g.revokeDelegation)

		// Comments
		authed.POST("/proposals/:id/comments", g.createComment)
		authed.GET("/proposals/:id/comments", g.listComments)
		authed.GET("/comments/:id", g.getComment)
		authed.POST("/comments/:id/votes", g.voteOnComment)
		authed.POST("/comments/:id/integrate", g.integrateComment)

		// Quizzes
		authed.POST("/proposals/:id/quiz", g.createQuiz)
		authed.GET("/proposals/:id/quiz", g.getQuiz)
		authed.GET("/proposals/:id/quiz/status", g.getQuizStatus)
		authed.POST("/quizzes/:id/attempts", g.submitAttempt)

		// WebSocket
		authed.GET("/ws", g.handleWebSocket)
	}
}

func (g *Gateway) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for name, check := range g.checks {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failing": failing})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
