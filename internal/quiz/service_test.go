package quiz

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/civicledger/internal/accounts"
	"github.com/terminal-bench/civicledger/internal/ledger"
	"github.com/terminal-bench/civicledger/internal/storage/memory"
	"github.com/terminal-bench/civicledger/pkg/models"
)

func sampleQuiz(passing int) *models.Quiz {
	q := &models.Quiz{ID: "q1", PassingScore: passing}
	for i := 0; i < 3; i++ {
		q.Questions = append(q.Questions, models.QuizQuestion{
			Text: "question",
			Options: []models.QuizOption{
				{ID: "right", Text: "yes", IsCorrect: true},
				{ID: "wrong", Text: "no"},
			},
			Explanation: "because",
		})
	}
	return q
}

func TestScore(t *testing.T) {
	q := sampleQuiz(70)

	t.Run("should score all correct as 100", func(t *testing.T) {
		answers := []models.Answer{{QuestionIndex: 0, OptionID: "right"}, {QuestionIndex: 1, OptionID: "right"}, {QuestionIndex: 2, OptionID: "right"}}
		assert.Equal(t, 100, Score(q, answers))
	})

	t.Run("should round two of three half up to 67", func(t *testing.T) {
		answers := []models.Answer{{QuestionIndex: 0, OptionID: "right"}, {QuestionIndex: 1, OptionID: "right"}, {QuestionIndex: 2, OptionID: "wrong"}}
		assert.Equal(t, 67, Score(q, answers))
		assert.False(t, Passes(q, 67))
	})

	t.Run("should treat missing and out-of-range answers as incorrect", func(t *testing.T) {
		answers := []models.Answer{{QuestionIndex: 0, OptionID: "right"}, {QuestionIndex: 7, OptionID: "right"}, {QuestionIndex: -1, OptionID: "right"}}
		assert.Equal(t, 33, Score(q, answers))
	})

	t.Run("should count only the first answer per question", func(t *testing.T) {
		answers := []models.Answer{{QuestionIndex: 0, OptionID: "wrong"}, {QuestionIndex: 0, OptionID: "right"}, {QuestionIndex: 1, OptionID: "right"}, {QuestionIndex: 1, OptionID: "right"}}
		assert.Equal(t, 33, Score(q, answers))
	})

	t.Run("should ignore unknown options", func(t *testing.T) {
		assert.Equal(t, 0, Score(q, []models.Answer{{QuestionIndex: 0, OptionID: "maybe"}}))
	})

	t.Run("should score an empty quiz as zero", func(t *testing.T) {
		assert.Equal(t, 0, Score(&models.Quiz{PassingScore: 1}, nil))
	})
}

type fixture struct {
	svc      *Service
	accounts *accounts.Service
	ledger   *ledger.Ledger
	store    *memory.Store
	author   *models.Account
	member   *models.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	log, _ := logtest.NewNullLogger()
	l := ledger.NewLedger(store, log, ledger.WithPending(store))
	accts := accounts.NewService(store, l, nil, log)

	author, err := accts.Register(ctx, accounts.Registration{Username: "author", Email: "author@example.org", Name: "Author"})
	require.NoError(t, err)
	member, err := accts.Register(ctx, accounts.Registration{Username: "member", Email: "member@example.org", Name: "Member"})
	require.NoError(t, err)

	require.NoError(t, store.CreateProposal(ctx, &models.Proposal{
		ID:             "p1",
		AuthorID:       author.ID,
		Scope:          models.ScopeNeighborhood,
		Status:         models.ProposalActive,
		VotingDeadline: time.Now().Add(time.Hour),
		Revenue:        decimal.Zero,
	}))

	return &fixture{
		svc:      NewService(store, store, accts, l, nil, log),
		accounts: accts,
		ledger:   l,
		store:    store,
		author:   author,
		member:   member,
	}
}

func (f *fixture) draft() Draft {
	q := sampleQuiz(0)
	return Draft{Title: "Basics", Description: "Read the proposal", Questions: q.Questions}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("should let the author create one quiz with default passing score", func(t *testing.T) {
		f := newFixture(t)

		q, err := f.svc.Create(ctx, "p1", f.author.ID, f.draft())
		require.NoError(t, err)
		assert.Equal(t, models.DefaultPassingScore, q.PassingScore)

		_, err = f.svc.Create(ctx, "p1", f.author.ID, f.draft())
		assert.ErrorIs(t, err, models.ErrQuizExists)
	})

	t.Run("should reject non-authors", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Create(ctx, "p1", f.member.ID, f.draft())
		assert.ErrorIs(t, err, models.ErrUnauthorized)
	})

	t.Run("should require a correct option per question", func(t *testing.T) {
		f := newFixture(t)
		d := f.draft()
		d.Questions[1].Options[0].IsCorrect = false

		_, err := f.svc.Create(ctx, "p1", f.author.ID, d)
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("should assign missing option ids", func(t *testing.T) {
		f := newFixture(t)
		d := Draft{Title: "Ids", Questions: []models.QuizQuestion{{
			Text:    "pick",
			Options: []models.QuizOption{{Text: "a", IsCorrect: true}, {Text: "b"}},
		}}}

		q, err := f.svc.Create(ctx, "p1", f.author.ID, d)
		require.NoError(t, err)
		assert.NotEmpty(t, q.Questions[0].Options[0].ID)
		assert.NotEqual(t, q.Questions[0].Options[0].ID, q.Questions[0].Options[1].ID)
	})
}

func TestSubmitAttempt(t *testing.T) {
	ctx := context.Background()
	allRight := []models.Answer{{QuestionIndex: 0, OptionID: "right"}, {QuestionIndex: 1, OptionID: "right"}, {QuestionIndex: 2, OptionID: "right"}}

	t.Run("should reward only the first passing attempt", func(t *testing.T) {
		f := newFixture(t)
		q, err := f.svc.Create(ctx, "p1", f.author.ID, f.draft())
		require.NoError(t, err)

		first, err := f.svc.SubmitAttempt(ctx, q.ID, f.member.ID, allRight)
		require.NoError(t, err)
		second, err := f.svc.SubmitAttempt(ctx, q.ID, f.member.ID, allRight)
		require.NoError(t, err)

		assert.True(t, first.FirstPass)
		assert.True(t, second.Passed)
		assert.False(t, second.FirstPass)

		b, err := f.ledger.Balance(ctx, f.member.ID)
		require.NoError(t, err)
		assert.True(t, b.Acent.Equal(decimal.NewFromInt(2)), "opening 1 plus a single quiz reward")

		passes, err := f.ledger.History(ctx, models.TransactionFilter{AccountID: f.member.ID, Kind: models.KindQuizPass})
		require.NoError(t, err)
		assert.Len(t, passes, 1)
	})

	t.Run("should grant nothing for a failing attempt", func(t *testing.T) {
		f := newFixture(t)
		q, err := f.svc.Create(ctx, "p1", f.author.ID, f.draft())
		require.NoError(t, err)

		attempt, err := f.svc.SubmitAttempt(ctx, q.ID, f.member.ID, []models.Answer{{QuestionIndex: 0, OptionID: "wrong"}})
		require.NoError(t, err)

		assert.False(t, attempt.Passed)
		exists, passed, err := f.svc.Gate(ctx, "p1", f.member.ID)
		require.NoError(t, err)
		assert.True(t, exists)
		assert.False(t, passed)
	})

	t.Run("should echo explanations and correct options", func(t *testing.T) {
		f := newFixture(t)
		q, err := f.svc.Create(ctx, "p1", f.author.ID, f.draft())
		require.NoError(t, err)

		attempt, err := f.svc.SubmitAttempt(ctx, q.ID, f.member.ID, []models.Answer{{QuestionIndex: 1, OptionID: "wrong"}})
		require.NoError(t, err)

		require.Len(t, attempt.Results, 3)
		assert.Equal(t, "right", attempt.Results[1].CorrectOptionID)
		assert.Equal(t, "wrong", attempt.Results[1].SelectedOptionID)
		assert.Equal(t, "because", attempt.Results[1].Explanation)
		assert.Empty(t, attempt.Results[0].SelectedOptionID)
	})

	t.Run("should fail for unknown accounts", func(t *testing.T) {
		f := newFixture(t)
		q, err := f.svc.Create(ctx, "p1", f.author.ID, f.draft())
		require.NoError(t, err)

		attempt, err := f.svc.SubmitAttempt(ctx, q.ID, "ghost", allRight)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.Nil(t, attempt)

		passes, err := f.ledger.History(ctx, models.TransactionFilter{AccountID: "ghost", Kind: models.KindQuizPass})
		require.NoError(t, err)
		assert.Empty(t, passes)
	})
}

func TestGate(t *testing.T) {
	t.Run("should treat proposals without a quiz as open to all", func(t *testing.T) {
		f := newFixture(t)

		competent, err := f.svc.Competent(context.Background(), "p1", f.member.ID)
		require.NoError(t, err)
		assert.True(t, competent)
	})
}

func TestPublic(t *testing.T) {
	t.Run("should hide correctness and explanations", func(t *testing.T) {
		q := Public(sampleQuiz(70))

		for _, question := range q.Questions {
			assert.Empty(t, question.Explanation)
			for _, o := range question.Options {
				assert.False(t, o.IsCorrect)
			}
		}
	})
}
