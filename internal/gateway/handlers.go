package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/terminal-bench/civicledger/internal/accounts"
	"github.com/terminal-bench/civicledger/internal/proposals"
	"github.com/terminal-bench/civicledger/internal/quiz"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// Request types

type castVoteRequest struct {
	Type models.VoteType `json:"type" binding:"required"`
}

type createDelegationRequest struct {
	DelegateeID string `json:"delegatee_id" binding:"required"`
}

type createCommentRequest struct {
	Content string `json:"content" binding:"required"`
}

type commentVoteRequest struct {
	Type models.CommentVoteType `json:"type" binding:"required"`
}

type attemptRequest struct {
	Answers []models.Answer `json:"answers"`
}

type historyQuery struct {
	Kind     models.TransactionKind `form:"kind"`
	Currency models.Currency        `form:"currency"`
	Since    time.Time              `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Until    time.Time              `form:"until" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit    int                    `form:"limit"`
	Offset   int                    `form:"offset"`
}

func accountID(c *gin.Context) string {
	return c.GetString(ctxAccountID)
}

func (g *Gateway) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

// Accounts

func (g *Gateway) register(c *gin.Context) {
	var req accounts.Registration
	if !g.bind(c, &req) {
		return
	}
	// Elevated roles are never self-assigned
	req.Role = models.RoleUser

	acct, err := g.svc.Accounts.Register(c.Request.Context(), req)
	if err != nil {
		g.abort(c, err)
		return
	}
	token, err := g.auth.Issue(acct.ID, acct.Role)
	if err != nil {
		g.abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"account": acct, "token": token})
}

func (g *Gateway) getAccount(c *gin.Context) {
	acct, err := g.svc.Accounts.Get(c.Request.Context(), accountID(c))
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (g *Gateway) getBalance(c *gin.Context) {
	b, err := g.svc.Ledger.Balance(c.Request.Context(), accountID(c))
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (g *Gateway) getHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
		return
	}
	if q.Currency != "" && !q.Currency.Valid() {
		g.abort(c, fmt.Errorf("currency %q: %w", q.Currency, models.ErrInvalidInput))
		return
	}

	txs, err := g.svc.Ledger.History(c.Request.Context(), models.TransactionFilter{
		AccountID: accountID(c),
		Kind:      q.Kind,
		Currency:  q.Currency,
		Since:     q.Since,
		Until:     q.Until,
		Limit:     q.Limit,
		Offset:    q.Offset,
	})
	if err != nil {
		g.abort(c, err)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// Proposals

func (g *Gateway) createProposal(c *gin.Context) {
	var req proposals.Draft
	if !g.bind(c, &req) {
		return
	}

	p, err := g.svc.Proposals.Create(c.Request.Context(), accountID(c), req)
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (g *Gateway) getProposal(c *gin.Context) {
	p, err := g.svc.Proposals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (g *Gateway) castVote(c *gin.Context) {
	var req castVoteRequest
	if !g.bind(c, &req) {
		return
	}

	v, err := g.svc.Proposals.CastVote(c.Request.Context(), c.Param("id"), accountID(c), req.Type)
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (g *Gateway) getOwnVote(c *gin.Context) {
	v, err := g.svc.Proposals.VoteOf(c.Request.Context(), c.Param("id"), accountID(c))
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (g *Gateway) escalateProposal(c *gin.Context) {
	p, err := g.svc.Proposals.Escalate(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (g *Gateway) closeProposal(c *gin.Context) {
	p, err := g.svc.Proposals.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Delegations

func (g *Gateway) createDelegation(c *gin.Context) {
	var req createDelegationRequest
	if !g.bind(c, &req) {
		return
	}

	d, err := g.svc.Delegations.Delegate(c.Request.Context(), c.Param("id"), accountID(c), req.DelegateeID)
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (g *Gateway) listDelegations(c *gin.Context) {
	ds, err := g.svc.Delegations.ForProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.abort(c, err)
		return
	}
	if ds == nil {
		ds = []models.Delegation{}
	}
	c.JSON(http.StatusOK, gin.H{"delegations": ds})
}

func (g *Gateway) revokeDelegation(c *gin.Context) {
	d, err := g.svc.Delegations.Revoke(c.Request.Context(), c.Param("id"), accountID(c))
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Comments

func (g *Gateway) createComment(c *gin.Context) {
	var req createCommentRequest
	if !g.bind(c, &req) {
		return
	}

	cm, err := g.svc.Comments.Create(c.Request.Context(), c.Param("id"), accountID(c), req.Content)
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, cm)
}

func (g *Gateway) listComments(c *gin.Context) {
	cs, err := g.svc.Comments.ForProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.abort(c, err)
		return
	}
	if cs == nil {
		cs = []models.Comment{}
	}
	c.JSON(http.StatusOK, gin.H{"comments": cs})
}

func (g *Gateway) getComment(c *gin.Context) {
	cm, err := g.svc.Comments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, cm)
}

func (g *Gateway) voteOnComment(c *gin.Context) {
	var req commentVoteRequest
	if !g.bind(c, &req) {
		return
	}

	cm, err := g.svc.Comments.Vote(c.Request.Context(), c.Param("id"), accountID(c), req.Type)
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, cm)
}

func (g *Gateway) integrateComment(c *gin.Context) {
	cm, err := g.svc.Comments.Integrate(c.Request.Context(), c.Param("id"), accountID(c))
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, cm)
}

// Quizzes

func (g *Gateway) createQuiz(c *gin.Context) {
	var req quiz.Draft
	if !g.bind(c, &req) {
		return
	}

	q, err := g.svc.Quizzes.Create(c.Request.Context(), c.Param("id"), accountID(c), req)
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, q)
}

// getQuiz hides correct answers
func (g *Gateway) getQuiz(c *gin.Context) {
	q, err := g.svc.Quizzes.ForProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, quiz.Public(q))
}

// getQuizStatus reports whether the caller clears the proposal's quiz gate.
// Proposals without a quiz admit everyone.
func (g *Gateway) getQuizStatus(c *gin.Context) {
	ok, err := g.svc.Quizzes.Competent(c.Request.Context(), c.Param("id"), accountID(c))
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal_id": c.Param("id"), "competent": ok})
}

func (g *Gateway) submitAttempt(c *gin.Context) {
	var req attemptRequest
	if !g.bind(c, &req) {
		return
	}

	attempt, err := g.svc.Quizzes.SubmitAttempt(c.Request.Context(), c.Param("id"), accountID(c), req.Answers)
	if err != nil {
		g.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, attempt)
}
