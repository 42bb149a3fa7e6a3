package quiz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/internal/ledger"
	"github.com/terminal-bench/civicledger/pkg/messaging"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// Store persists quizzes. CreateQuiz fails with ErrQuizExists when the
// proposal already has one.
type Store interface {
	CreateQuiz(ctx context.Context, q *models.Quiz) error
	Quiz(ctx context.Context, id string) (*models.Quiz, error)
	QuizForProposal(ctx context.Context, proposalID string) (*models.Quiz, error)
}

// ProposalReader loads proposals for authorship checks
type ProposalReader interface {
	Proposal(ctx context.Context, id string) (*models.Proposal, error)
}

// PassRegistry resolves accounts and tracks which quizzes they passed
type PassRegistry interface {
	Get(ctx context.Context, id string) (*models.Account, error)
	HasPassed(ctx context.Context, accountID, quizID string) (bool, error)
	MarkPassed(ctx context.Context, accountID, quizID string) (bool, error)
}

// Draft is the input to Create
type Draft struct {
	Title        string                `json:"title"`
	Description  string                `json:"description"`
	Questions    []models.QuizQuestion `json:"questions"`
	PassingScore int                   `json:"passing_score"`
}

// QuestionResult explains one graded question
type QuestionResult struct {
	Text             string `json:"text"`
	SelectedOptionID string `json:"selected_option_id,omitempty"`
	CorrectOptionID  string `json:"correct_option_id"`
	Correct          bool   `json:"correct"`
	Explanation      string `json:"explanation"`
}

// Attempt is the outcome of SubmitAttempt
type Attempt struct {
	QuizID    string           `json:"quiz_id"`
	Score     int              `json:"score"`
	Passed    bool             `json:"passed"`
	FirstPass bool             `json:"first_pass"`
	Results   []QuestionResult `json:"results"`
}

// Service manages quizzes and the competence gate
type Service struct {
	store     Store
	proposals ProposalReader
	passes    PassRegistry
	ledger    *ledger.Ledger
	events    ledger.Publisher
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewService creates a new quiz service. events may be nil.
func NewService(store Store, proposals ProposalReader, passes PassRegistry, l *ledger.Ledger, events ledger.Publisher, log logrus.FieldLogger) *Service {
	return &Service{
		store:     store,
		proposals: proposals,
		passes:    passes,
		ledger:    l,
		events:    events,
		log:       log.WithField("component", "quiz"),
		now:       time.Now,
	}
}

// Create attaches a quiz to a proposal. Only the proposal's author may
// do so, once.
func (s *Service) Create(ctx context.Context, proposalID, authorID string, d Draft) (*models.Quiz, error) {
	p, err := s.proposals.Proposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	if p.AuthorID != authorID {
		return nil, fmt.Errorf("only the proposal author can create a quiz: %w", models.ErrUnauthorized)
	}
	if err := validate(&d); err != nil {
		return nil, err
	}

	q := &models.Quiz{
		ID:           uuid.New().String(),
		ProposalID:   proposalID,
		Title:        d.Title,
		Description:  d.Description,
		CreatedBy:    authorID,
		Questions:    d.Questions,
		PassingScore: d.PassingScore,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateQuiz(ctx, q); err != nil {
		return nil, fmt.Errorf("create quiz: %w", err)
	}

	s.log.WithFields(logrus.Fields{"quiz_id": q.ID, "proposal_id": proposalID}).Info("quiz created")
	return q, nil
}

// Get returns a quiz by id
func (s *Service) Get(ctx context.Context, id string) (*models.Quiz, error) {
	q, err := s.store.Quiz(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get quiz: %w", err)
	}
	return q, nil
}

// ForProposal returns the proposal's quiz or ErrNotFound
func (s *Service) ForProposal(ctx context.Context, proposalID string) (*models.Quiz, error) {
	q, err := s.store.QuizForProposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("get quiz for proposal: %w", err)
	}
	return q, nil
}

// Gate reports whether the proposal has a quiz and whether accountID
// passed it. Without a quiz every account counts as competent.
func (s *Service) Gate(ctx context.Context, proposalID, accountID string) (exists, passed bool, err error) {
	q, err := s.store.QuizForProposal(ctx, proposalID)
	if errors.Is(err, models.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("get quiz for proposal: %w", err)
	}

	passed, err = s.passes.HasPassed(ctx, accountID, q.ID)
	if err != nil {
		return true, false, err
	}
	return true, passed, nil
}

// Competent is Gate collapsed to one answer
func (s *Service) Competent(ctx context.Context, proposalID, accountID string) (bool, error) {
	exists, passed, err := s.Gate(ctx, proposalID, accountID)
	if err != nil {
		return false, err
	}
	return !exists || passed, nil
}

// SubmitAttempt grades answers. The first passing attempt adds the quiz to
// the account's passed set and earns the quiz reward; later passes earn
// nothing.
func (s *Service) SubmitAttempt(ctx context.Context, quizID, accountID string, answers []models.Answer) (*Attempt, error) {
	q, err := s.store.Quiz(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("get quiz: %w", err)
	}
	if _, err := s.passes.Get(ctx, accountID); err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	score := Score(q, answers)
	attempt := &Attempt{
		QuizID:  q.ID,
		Score:   score,
		Passed:  Passes(q, score),
		Results: results(q, answers),
	}
	if !attempt.Passed {
		return attempt, nil
	}

	added, err := s.passes.MarkPassed(ctx, accountID, q.ID)
	if err != nil {
		return nil, err
	}
	if !added {
		return attempt, nil
	}
	attempt.FirstPass = true

	s.ledger.Reward(ctx, ledger.Entry{
		AccountID:      accountID,
		Kind:           models.KindQuizPass,
		Currency:       models.Acent,
		Amount:         models.QuizPassReward,
		Related:        models.EntityRef{Type: models.EntityQuiz, ID: q.ID},
		Description:    "Passed quiz: " + q.Title,
		IdempotencyKey: ledger.Key(models.KindQuizPass, q.ID, accountID),
	})

	if s.events != nil {
		event := messaging.QuizPassedEvent{QuizID: q.ID, ProposalID: q.ProposalID, AccountID: accountID, Score: score}
		if err := s.events.Publish(ctx, messaging.SubjectQuizPassed, event); err != nil {
			s.log.WithError(err).Warn("failed to publish quiz event")
		}
	}
	s.log.WithFields(logrus.Fields{"quiz_id": q.ID, "account_id": accountID, "score": score}).Info("quiz passed")

	return attempt, nil
}

// Public strips answers and explanations so a quiz can be shown before
// it is attempted
func Public(q *models.Quiz) *models.Quiz {
	out := *q
	out.Questions = make([]models.QuizQuestion, len(q.Questions))
	for i, question := range q.Questions {
		options := make([]models.QuizOption, len(question.Options))
		for j, o := range question.Options {
			options[j] = models.QuizOption{ID: o.ID, Text: o.Text}
		}
		out.Questions[i] = models.QuizQuestion{Text: question.Text, Options: options}
	}
	return &out
}

func results(q *models.Quiz, answers []models.Answer) []QuestionResult {
	graded := grade(q, answers)
	selected := selections(q, answers)

	out := make([]QuestionResult, len(q.Questions))
	for i, question := range q.Questions {
		out[i] = QuestionResult{
			Text:             question.Text,
			SelectedOptionID: selected[i],
			CorrectOptionID:  correctOption(question),
			Correct:          graded[i],
			Explanation:      question.Explanation,
		}
	}
	return out
}

func validate(d *Draft) error {
	d.Title = strings.TrimSpace(d.Title)
	if d.Title == "" {
		return fmt.Errorf("quiz title is required: %w", models.ErrInvalidInput)
	}
	if len(d.Questions) == 0 {
		return fmt.Errorf("quiz needs at least one question: %w", models.ErrInvalidInput)
	}
	if d.PassingScore == 0 {
		d.PassingScore = models.DefaultPassingScore
	}
	if d.PassingScore < 1 || d.PassingScore > 100 {
		return fmt.Errorf("passing score must be 1-100: %w", models.ErrInvalidInput)
	}

	for i := range d.Questions {
		question := &d.Questions[i]
		if strings.TrimSpace(question.Text) == "" {
			return fmt.Errorf("question %d has no text: %w", i, models.ErrInvalidInput)
		}
		if !hasCorrect(*question) {
			return fmt.Errorf("question %d has no correct option: %w", i, models.ErrInvalidInput)
		}
		ids := make(map[string]bool, len(question.Options))
		for j := range question.Options {
			opt := &question.Options[j]
			if opt.ID == "" {
				opt.ID = uuid.New().String()
			}
			if ids[opt.ID] {
				return fmt.Errorf("question %d repeats option %s: %w", i, opt.ID, models.ErrInvalidInput)
			}
			ids[opt.ID] = true
		}
	}
	return nil
}

func hasCorrect(question models.QuizQuestion) bool {
	for _, o := range question.Options {
		if o.IsCorrect {
			return true
		}
	}
	return false
}
