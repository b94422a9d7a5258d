package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/deskrelay/relay-server-go/internal/audit"
	"github.com/deskrelay/relay-server-go/internal/config"
	apperrors "github.com/deskrelay/relay-server-go/internal/errors"
	"github.com/deskrelay/relay-server-go/internal/model"
	"github.com/deskrelay/relay-server-go/internal/repository"
	"github.com/deskrelay/relay-server-go/internal/util"
)

const minPasswordLength = 8

// Principal is the authenticated owner behind a controller.
type Principal struct {
	OwnerID   string
	Label     string
	Anonymous bool
}

var anonymousPrincipal = Principal{
	OwnerID:   config.AnonymousOwnerID,
	Label:     "Anonymous controller",
	Anonymous: true,
}

// UserService manages owner accounts and their bearer tokens.
type UserService struct {
	repo      repository.UserRepository
	clock     clock.Clock
	anonymous bool
}

func NewUserService(repo repository.UserRepository, clk clock.Clock, anonymous bool) *UserService {
	return &UserService{repo: repo, clock: clk, anonymous: anonymous}
}

func (s *UserService) AnonymousAllowed() bool {
	return s.anonymous
}

func (s *UserService) Create(ctx context.Context, email, password string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperrors.InvalidInput("email", "must be an email address")
	}
	if len(password) < minPasswordLength {
		return nil, apperrors.InvalidInput("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}

	hash, err := util.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.repo.Create(ctx, model.CreateUserParams{Email: email, PasswordHash: hash})
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, apperrors.AlreadyExists("User")
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{Type: audit.EventUserCreate, UserID: user.ID})
	return user, nil
}

func (s *UserService) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := s.repo.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if user == nil {
		return nil, apperrors.NotFound("User")
	}
	return user, nil
}

// Login checks the password and rotates the user's bearer token.
func (s *UserService) Login(ctx context.Context, email, password string) (string, *model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return "", nil, apperrors.Database(err)
	}
	if user == nil || !util.CheckPasswordHash(password, user.PasswordHash) {
		audit.Log(ctx, audit.Event{Type: audit.EventLoginFailure, Details: map[string]any{"email": email}})
		return "", nil, apperrors.New(apperrors.ErrCodeInvalidCredential, "Invalid email or password")
	}

	token, err := util.GenerateToken()
	if err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	if err := s.repo.UpdateTokenHash(ctx, user.ID, util.HashToken(token), s.clock.Now()); err != nil {
		return "", nil, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{Type: audit.EventLoginSuccess, UserID: user.ID})
	log.Info().Str("userId", user.ID).Msg("user logged in")

	return token, user, nil
}

// Authenticate resolves a controller credential. An empty token maps to the
// anonymous principal when anonymous controllers are allowed; a wrong token
// is always rejected.
func (s *UserService) Authenticate(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		if s.anonymous {
			return anonymousPrincipal, nil
		}
		return Principal{}, apperrors.Unauthorized("Missing credential")
	}

	user, err := s.repo.FindByTokenHash(ctx, util.HashToken(token))
	if err != nil {
		return Principal{}, apperrors.Database(err)
	}
	if user == nil {
		audit.Log(ctx, audit.Event{Type: audit.EventAuthFailure})
		return Principal{}, apperrors.InvalidToken("Invalid or expired token")
	}

	return Principal{OwnerID: user.ID, Label: user.Email}, nil
}
