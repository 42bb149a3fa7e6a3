package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/civicledger/internal/accounts"
	"github.com/terminal-bench/civicledger/internal/auth"
	"github.com/terminal-bench/civicledger/internal/comments"
	"github.com/terminal-bench/civicledger/internal/delegations"
	"github.com/terminal-bench/civicledger/internal/ledger"
	"github.com/terminal-bench/civicledger/internal/proposals"
	"github.com/terminal-bench/civicledger/internal/quiz"
	"github.com/terminal-bench/civicledger/internal/storage/memory"
	"github.com/terminal-bench/civicledger/pkg/messaging"
	"github.com/terminal-bench/civicledger/pkg/models"
)

const proposalBody = "The intersection by the primary school needs a raised crossing and a signal."

type harness struct {
	gw     *Gateway
	feed   *Feed
	ledger *ledger.Ledger
	auth   *auth.Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.New()
	log, _ := logtest.NewNullLogger()
	feed := NewFeed("test", log)
	t.Cleanup(feed.Close)

	l := ledger.NewLedger(store, log, ledger.WithPending(store), ledger.WithPublisher(feed))
	accts := accounts.NewService(store, l, nil, log)
	quizzes := quiz.NewService(store, store, accts, l, nil, log)
	dels := delegations.NewService(store, store, accts, quizzes, l, nil, log)
	props := proposals.NewService(store, accts, quizzes, dels, l, nil, log)
	cms := comments.NewService(store, store, accts, quizzes, l, nil, log)

	authSvc, err := auth.NewService("test-secret", time.Hour)
	require.NoError(t, err)

	if cfg.RateLimit == 0 {
		cfg.RateLimit, cfg.RateBurst = 1000, 1000
	}
	gw := New(cfg, Services{
		Ledger:      l,
		Accounts:    accts,
		Quizzes:     quizzes,
		Proposals:   props,
		Delegations: dels,
		Comments:    cms,
	}, authSvc, feed, log)

	return &harness{gw: gw, feed: feed, ledger: l, auth: authSvc}
}

func (h *harness) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.gw.Handler().ServeHTTP(rec, req)
	return rec
}

type user struct {
	id    string
	token string
}

func (h *harness) register(t *testing.T, name string) user {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/accounts", "", accounts.Registration{
		Username: name,
		Email:    name + "@example.org",
		Name:     name,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Account models.Account `json:"account"`
		Token   string         `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return user{id: resp.Account.ID, token: resp.Token}
}

func (h *harness) fund(t *testing.T, accountID string, acents int64) {
	t.Helper()
	_, err := h.ledger.Record(context.Background(), ledger.Entry{
		AccountID:      accountID,
		Kind:           models.KindProposalRevenue,
		Currency:       models.Acent,
		Amount:         decimal.NewFromInt(acents),
		IdempotencyKey: fmt.Sprintf("test_funding:%s:%d", accountID, acents),
	})
	require.NoError(t, err)
}

func (h *harness) propose(t *testing.T, author user) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/proposals", author.token, proposals.Draft{
		Title:   "Safer crossing",
		Content: proposalBody,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var p models.Proposal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p.ID
}

func decodeBalance(t *testing.T, rec *httptest.ResponseRecorder) models.Balance {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var b models.Balance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	return b
}

func TestAccounts(t *testing.T) {
	h := newHarness(t, Config{})
	ada := h.register(t, "ada")

	t.Run("should open with one acent", func(t *testing.T) {
		b := decodeBalance(t, h.do(t, http.MethodGet, "/api/v1/accounts/me/balance", ada.token, nil))
		assert.True(t, b.Acent.Equal(decimal.NewFromInt(1)))
		assert.True(t, b.Dcent.IsZero())
	})

	t.Run("should refuse a taken username", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/accounts", "", accounts.Registration{
			Username: "ADA", Email: "other@example.org", Name: "Other",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("should never grant elevated roles", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/accounts", "", accounts.Registration{
			Username: "mallory", Email: "mallory@example.org", Name: "Mallory", Role: models.RoleAdmin,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), `"role":"user"`)
	})

	t.Run("should reject invalid registrations", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/accounts", "", accounts.Registration{Username: "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should require a token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/accounts/me", "", nil).Code)
		assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/accounts/me", "forged", nil).Code)
	})

	t.Run("should return the caller's profile", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/v1/accounts/me", ada.token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"username":"ada"`)
	})
}

func TestProposalFlow(t *testing.T) {
	h := newHarness(t, Config{})
	author := h.register(t, "author")
	voter := h.register(t, "voter")

	t.Run("should refuse proposals the author cannot pay for", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/proposals", author.token, proposals.Draft{
			Title: "Safer crossing", Content: proposalBody,
		})
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	})

	h.fund(t, author.id, 10)
	pid := h.propose(t, author)

	t.Run("should charge five acents", func(t *testing.T) {
		b := decodeBalance(t, h.do(t, http.MethodGet, "/api/v1/accounts/me/balance", author.token, nil))
		assert.True(t, b.Acent.Equal(decimal.NewFromInt(6)))
	})

	t.Run("should reward a vote once", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/proposals/"+pid+"/votes", voter.token, gin.H{"type": "yes"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = h.do(t, http.MethodPost, "/api/v1/proposals/"+pid+"/votes", voter.token, gin.H{"type": "yes"})
		assert.Equal(t, http.StatusConflict, rec.Code)

		b := decodeBalance(t, h.do(t, http.MethodGet, "/api/v1/accounts/me/balance", voter.token, nil))
		assert.True(t, b.Acent.Equal(decimal.NewFromInt(2)))
	})

	t.Run("should reject unknown vote types", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/proposals/"+pid+"/votes", author.token, gin.H{"type": "maybe"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should show the tally", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/v1/proposals/"+pid, voter.token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var p models.Proposal
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
		assert.Equal(t, 1, p.YesVotes)
	})

	t.Run("should return only the caller's own ballot", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/v1/proposals/"+pid+"/votes/me", voter.token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var v models.Vote
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
		assert.Equal(t, voter.id, v.VoterID)
		assert.Equal(t, models.VoteYes, v.Type)

		rec = h.do(t, http.MethodGet, "/api/v1/proposals/"+pid+"/votes/me", author.token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should not escalate an open proposal", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/proposals/"+pid+"/escalate", voter.token, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("should reserve manual close for moderators", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/proposals/"+pid+"/close", voter.token, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		token, err := h.auth.Issue(voter.id, models.RoleModerator)
		require.NoError(t, err)
		rec = h.do(t, http.MethodPost, "/api/v1/proposals/"+pid+"/close", token, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("should 404 unknown proposals", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/proposals/nope", voter.token, nil).Code)
	})

	t.Run("should filter history", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/v1/accounts/me/transactions?kind=vote_cast", voter.token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Transactions []models.Transaction `json:"transactions"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Transactions, 1)
		assert.Equal(t, models.KindVoteCast, resp.Transactions[0].Kind)

		assert.Equal(t, http.StatusBadRequest,
			h.do(t, http.MethodGet, "/api/v1/accounts/me/transactions?currency=gold", voter.token, nil).Code)
		assert.Equal(t, http.StatusBadRequest,
			h.do(t, http.MethodGet, "/api/v1/accounts/me/transactions?since=yesterday", voter.token, nil).Code)
	})
}

func TestQuizDelegationAndComments(t *testing.T) {
	h := newHarness(t, Config{})
	author := h.register(t, "author")
	expert := h.register(t, "expert")
	layman := h.register(t, "layman")
	h.fund(t, author.id, 5)
	pid := h.propose(t, author)

	rec := h.do(t, http.MethodPost, "/api/v1/proposals/"+pid+"/quiz", author.token, quiz.Draft{
		Title: "Crossings",
		Questions: []models.QuizQuestion{{
			Text:    "Where is the crossing?",
			Options: []models.QuizOption{{ID: "school", Text: "School", IsCorrect: true}, {ID: "mall", Text: "Mall"}},
		}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var q models.Quiz
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))

	t.Run("should hide answers", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/api/v1/proposals/"+pid+"/quiz", layman.token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), `"is_correct":true`)
	})

	t.Run("should gate direct votes on the quiz", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/proposals/"+pid+"/votes", layman.token, gin.H{"type": "no"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("should grade an attempt", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/quizzes/"+q.ID+"/attempts", expert.token, gin.H{
			"answers": []models.Answer{{QuestionIndex: 0, OptionID: "school"}},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var attempt quiz.Attempt
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attempt))
		assert.True(t, attempt.Passed)
		assert.True(t, attempt.FirstPass)
		assert.Equal(t, 100, attempt.Score)
	})

	t.Run("should report the quiz gate per caller", func(t *testing.T) {
		for _, tc := range []struct {
			who       user
			competent bool
		}{{expert, true}, {layman, false}} {
			rec := h.do(t, http.MethodGet, "/api/v1/proposals/"+pid+"/quiz/status", tc.who.token, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			var status struct {
				Competent bool `json:"competent"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
			assert.Equal(t, tc.competent, status.Competent)
		}
	})

	var delegationID string
	t.Run("should delegate to a competent account", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/proposals/"+pid+"/delegations", layman.token, gin.H{"delegatee_id": expert.id})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var d models.Delegation
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
		delegationID = d.ID

		b := decodeBalance(t, h.do(t, http.MethodGet, "/api/v1/accounts/me/balance", layman.token, nil))
		assert.True(t, b.Dcent.Equal(decimal.NewFromInt(1)))

		rec = h.do(t, http.MethodGet, "/api/v1/proposals/"+pid+"/delegations", author.token, nil)
		assert.Contains(t, rec.Body.String(), delegationID)
	})

	t.Run("should refuse self delegation", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/proposals/"+pid+"/delegations", expert.token, gin.H{"delegatee_id": expert.id})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should only let the delegator revoke", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden,
			h.do(t, http.MethodDelete, "/api/v1/delegations/"+delegationID, expert.token, nil).Code)

		rec := h.do(t, http.MethodDelete, "/api/v1/delegations/"+delegationID, layman.token, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), `"status":"revoked"`)

		b := decodeBalance(t, h.do(t, http.MethodGet, "/api/v1/accounts/me/balance", layman.token, nil))
		assert.True(t, b.Dcent.IsZero())
	})

	t.Run("should refuse a comment the author cannot pay for", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/proposals/"+pid+"/comments", layman.token, gin.H{"content": "Please add a bike lane too."})
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	})

	var commentID string
	t.Run("should let competent accounts comment for free", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/v1/proposals/"+pid+"/comments", expert.token, gin.H{"content": "Add a refuge island mid-road."})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var c models.Comment
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
		assert.True(t, c.IsCompetent)
		commentID = c.ID

		rec = h.do(t, http.MethodGet, "/api/v1/proposals/"+pid+"/comments", layman.token, nil)
		assert.Contains(t, rec.Body.String(), commentID)
	})

	t.Run("should integrate once, by the proposal author", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden,
			h.do(t, http.MethodPost, "/api/v1/comments/"+commentID+"/integrate", expert.token, nil).Code)

		rec := h.do(t, http.MethodPost, "/api/v1/comments/"+commentID+"/integrate", author.token, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		assert.Equal(t, http.StatusConflict,
			h.do(t, http.MethodPost, "/api/v1/comments/"+commentID+"/integrate", author.token, nil).Code)

		rec = h.do(t, http.MethodGet, "/api/v1/comments/"+commentID, author.token, nil)
		assert.Contains(t, rec.Body.String(), `"is_integrated":true`)
	})

	t.Run("should vote on comments", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest,
			h.do(t, http.MethodPost, "/api/v1/comments/"+commentID+"/votes", expert.token, gin.H{"type": "up"}).Code)

		rec := h.do(t, http.MethodPost, "/api/v1/comments/"+commentID+"/votes", layman.token, gin.H{"type": "up"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), `"upvotes":1`)
	})
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("get proposal: %w", models.ErrNotFound), http.StatusNotFound},
		{models.ErrInsufficientDcents, http.StatusPaymentRequired},
		{models.ErrVotingClosed, http.StatusUnprocessableEntity},
		{models.ErrDelegateeNotCompetent, http.StatusForbidden},
		{models.ErrConcurrentModification, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run("should map "+tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.status, statusFor(tc.err))
		})
	}
}

func TestOperationalEndpoints(t *testing.T) {
	t.Run("should rate limit per client", func(t *testing.T) {
		h := newHarness(t, Config{RateLimit: 0.001, RateBurst: 1})
		assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", "", nil).Code)
		rec := h.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	})

	t.Run("should report failing dependencies", func(t *testing.T) {
		h := newHarness(t, Config{Checks: map[string]HealthCheck{
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		}})
		rec := h.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "postgres")
	})

	t.Run("should expose metrics", func(t *testing.T) {
		h := newHarness(t, Config{})
		rec := h.do(t, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should echo the correlation id", func(t *testing.T) {
		h := newHarness(t, Config{})
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Correlation-ID", "abc-123")
		rec := httptest.NewRecorder()
		h.gw.Handler().ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
	})
}

func TestFeed(t *testing.T) {
	h := newHarness(t, Config{})
	ada := h.register(t, "ada")
	bob := h.register(t, "bob")

	srv := httptest.NewServer(h.gw.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?access_token=" + ada.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.feed.Clients() == 1 }, time.Second, 10*time.Millisecond)

	t.Run("should stream only the caller's transactions", func(t *testing.T) {
		h.fund(t, bob.id, 2)
		h.fund(t, ada.id, 3)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		event, err := messaging.DecodeEvent(raw)
		require.NoError(t, err)
		assert.Equal(t, messaging.SubjectLedgerTransaction, event.Subject)

		tx, err := messaging.ParseEventData[messaging.LedgerTransactionEvent](event)
		require.NoError(t, err)
		assert.Equal(t, ada.id, tx.AccountID)
		assert.Equal(t, "3", tx.Amount)
	})

	t.Run("should refuse unauthenticated upgrades", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should ignore other subjects", func(t *testing.T) {
		require.NoError(t, h.feed.Publish(context.Background(), messaging.SubjectVoteCast, messaging.VoteCastEvent{VoterID: ada.id}))
		h.fund(t, ada.id, 4)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		event, err := messaging.DecodeEvent(raw)
		require.NoError(t, err)
		assert.Equal(t, messaging.SubjectLedgerTransaction, event.Subject)
	})
}
