package accounts

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/internal/ledger"
	"github.com/terminal-bench/civicledger/pkg/messaging"
	"github.com/terminal-bench/civicledger/pkg/models"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 30
)

// Store persists accounts
type Store interface {
	CreateAccount(ctx context.Context, a *models.Account) error
	Account(ctx context.Context, id string) (*models.Account, error)
	// AddPassedQuiz reports true only for the call that inserted quizID
	AddPassedQuiz(ctx context.Context, accountID, quizID string) (bool, error)
	ListAccountIDs(ctx context.Context) ([]string, error)
}

// Registration is the input to Register
type Registration struct {
	Username string          `json:"username"`
	Email    string          `json:"email"`
	Name     string          `json:"name"`
	Location models.Location `json:"location"`
	Role     models.Role     `json:"role"`
}

// Service manages account identities. Balances are owned by the ledger.
type Service struct {
	store  Store
	ledger *ledger.Ledger
	events ledger.Publisher
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewService creates a new account service. events may be nil.
func NewService(store Store, l *ledger.Ledger, events ledger.Publisher, log logrus.FieldLogger) *Service {
	return &Service{
		store:  store,
		ledger: l,
		events: events,
		log:    log.WithField("component", "accounts"),
		now:    time.Now,
	}
}

// Register creates an account and grants the opening balance
func (s *Service) Register(ctx context.Context, r Registration) (*models.Account, error) {
	if err := normalize(&r); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	acct := &models.Account{
		ID:        uuid.New().String(),
		Username:  r.Username,
		Email:     r.Email,
		Name:      r.Name,
		Location:  r.Location,
		Role:      r.Role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	// Opening balance is credited through the ledger so that balance always
	// equals the sum of history
	for _, grant := range []struct {
		currency models.Currency
		amount   decimal.Decimal
	}{
		{models.Acent, models.OpeningAcents},
		{models.Dcent, models.OpeningDcents},
	} {
		if !grant.amount.IsPositive() {
			continue
		}
		s.ledger.Reward(ctx, ledger.Entry{
			AccountID:      acct.ID,
			Kind:           models.KindAccountOpening,
			Currency:       grant.currency,
			Amount:         grant.amount,
			Related:        models.EntityRef{Type: models.EntityAccount, ID: acct.ID},
			Description:    "Opening balance",
			IdempotencyKey: ledger.Key(models.KindAccountOpening, acct.ID, string(grant.currency)),
		})
	}

	s.publish(ctx, acct)
	s.log.WithField("account_id", acct.ID).Info("account registered")

	return s.Get(ctx, acct.ID)
}

// Get returns an account with its current balances
func (s *Service) Get(ctx context.Context, id string) (*models.Account, error) {
	acct, err := s.store.Account(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return acct, nil
}

// HasPassed reports whether the account passed quizID
func (s *Service) HasPassed(ctx context.Context, accountID, quizID string) (bool, error) {
	acct, err := s.Get(ctx, accountID)
	if err != nil {
		return false, err
	}
	return acct.HasPassed(quizID), nil
}

// MarkPassed adds quizID to the passed set and reports whether it was new
func (s *Service) MarkPassed(ctx context.Context, accountID, quizID string) (bool, error) {
	added, err := s.store.AddPassedQuiz(ctx, accountID, quizID)
	if err != nil {
		return false, fmt.Errorf("add passed quiz: %w", err)
	}
	return added, nil
}

// ListIDs returns every account id
func (s *Service) ListIDs(ctx context.Context) ([]string, error) {
	return s.store.ListAccountIDs(ctx)
}

func (s *Service) publish(ctx context.Context, acct *models.Account) {
	if s.events == nil {
		return
	}
	event := messaging.AccountEvent{AccountID: acct.ID, Username: acct.Username}
	if err := s.events.Publish(ctx, messaging.SubjectAccountRegistered, event); err != nil {
		s.log.WithError(err).Warn("failed to publish account event")
	}
}

func normalize(r *Registration) error {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.Name = strings.TrimSpace(r.Name)

	if n := len([]rune(r.Username)); n < minUsernameLength || n > maxUsernameLength {
		return fmt.Errorf("username must be %d-%d characters: %w", minUsernameLength, maxUsernameLength, models.ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(r.Email); err != nil || strings.ContainsAny(r.Email, "<> ") {
		return fmt.Errorf("invalid email: %w", models.ErrInvalidInput)
	}
	if r.Name == "" {
		return fmt.Errorf("name is required: %w", models.ErrInvalidInput)
	}

	switch r.Role {
	case "":
		r.Role = models.RoleUser
	case models.RoleUser, models.RoleModerator, models.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q: %w", r.Role, models.ErrInvalidInput)
	}
	return nil
}
