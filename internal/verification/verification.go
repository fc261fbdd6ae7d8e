package verification

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Email verification: a user proves ownership of a notification address by
// echoing back a 6-digit code. Codes live 15 minutes, allow 5 attempts,
// and are stored bcrypt-hashed so a DB leak does not leak live codes.

var (
	ErrCodeNotFound    = errors.New("no active verification code")
	ErrCodeExpired     = errors.New("verification code expired")
	ErrCodeMismatch    = errors.New("verification code mismatch")
	ErrTooManyAttempts = errors.New("too many verification attempts")
	ErrRateLimited     = errors.New("too many verification codes requested")
)

type Verification struct {
	ID           string
	UserID       string
	Email        string
	CodeHash     string
	ExpiresAt    time.Time
	AttemptsLeft int
	Verified     bool
	VerifiedAt   *time.Time
	CreatedAt    time.Time
}

type Repository interface {
	Insert(ctx context.Context, v Verification) (Verification, error)
	// GetActive returns the newest unverified, unexpired row for (user,email).
	GetActive(ctx context.Context, userID, email string) (Verification, error)
	DecrementAttempts(ctx context.Context, id string) (int, error)
	MarkVerified(ctx context.Context, id string) error
}

// UserEmails adds a verified address to the user's set once a code checks out.
type UserEmails interface {
	AddVerifiedEmail(ctx context.Context, userID, email string) error
}

// RateLimiter bounds code issuance per (user,email) per rolling window.
// Backed by Redis in production.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Sender delivers the code to the address being verified.
type Sender interface {
	SendVerificationCode(ctx context.Context, email, code string) error
}

type Config struct {
	TTL         time.Duration // default 15m
	MaxAttempts int           // default 5
}

type Service struct {
	repo    Repository
	users   UserEmails
	limiter RateLimiter
	sender  Sender
	log     *slog.Logger
	cfg     Config
}

func NewService(repo Repository, users UserEmails, limiter RateLimiter, sender Sender, log *slog.Logger, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}

	return &Service{
		repo:    repo,
		users:   users,
		limiter: limiter,
		sender:  sender,
		log:     log,
		cfg:     cfg,
	}
}

// RequestCode issues and sends a fresh code for (user,email).
func (s *Service) RequestCode(ctx context.Context, userID, email string) error {
	ok, err := s.limiter.Allow(ctx, "verify:"+userID+":"+email)
	if err != nil {
		// limiter outage should not block verification entirely
		s.log.WarnContext(ctx, "verification rate limiter unavailable", "err", err)
	} else if !ok {
		return ErrRateLimited
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("generate verification code: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash verification code: %w", err)
	}

	now := time.Now().UTC()

	_, err = s.repo.Insert(ctx, Verification{
		UserID:       userID,
		Email:        email,
		CodeHash:     string(hash),
		ExpiresAt:    now.Add(s.cfg.TTL),
		AttemptsLeft: s.cfg.MaxAttempts,
		CreatedAt:    now,
	})
	if err != nil {
		return err
	}

	if err := s.sender.SendVerificationCode(ctx, email, code); err != nil {
		return fmt.Errorf("send verification code: %w", err)
	}

	s.log.InfoContext(ctx, "verification code sent", "user_id", userID, "email", email)
	return nil
}

// ConfirmCode checks the submitted code and, on success, marks the email
// verified for the user.
func (s *Service) ConfirmCode(ctx context.Context, userID, email, code string) error {
	v, err := s.repo.GetActive(ctx, userID, email)
	if err != nil {
		return err
	}

	if time.Now().UTC().After(v.ExpiresAt) {
		return ErrCodeExpired
	}
	if v.AttemptsLeft <= 0 {
		return ErrTooManyAttempts
	}

	if bcrypt.CompareHashAndPassword([]byte(v.CodeHash), []byte(code)) != nil {
		left, decErr := s.repo.DecrementAttempts(ctx, v.ID)
		if decErr != nil {
			return decErr
		}
		if left <= 0 {
			return ErrTooManyAttempts
		}
		return ErrCodeMismatch
	}

	if err := s.repo.MarkVerified(ctx, v.ID); err != nil {
		return err
	}

	if err := s.users.AddVerifiedEmail(ctx, userID, email); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "email verified", "user_id", userID, "email", email)
	return nil
}

// generateCode returns 6 decimal digits from crypto/rand, zero-padded.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
