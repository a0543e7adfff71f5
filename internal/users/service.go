package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"job-leaderboard/internal/config"
)

// DefaultHashCost is the bcrypt cost for stored passwords.
const DefaultHashCost = 12

var (
	ErrEmailTaken         = fmt.Errorf("%w: email is already taken", ErrDuplicate)
	ErrUsernameTaken      = fmt.Errorf("%w: username is already taken", ErrDuplicate)
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRoleNotAllowed     = errors.New("only the user role may register")
	ErrNoChanges          = errors.New("no fields to update")
)

// Registration is a self-service sign up.
type Registration struct {
	Username string
	Email    string
	Password string
	Role     Role
}

// Changes holds the fields to update. Empty fields are left unchanged.
type Changes struct {
	Username string
	Email    string
	Password string
}

func (c Changes) empty() bool {
	return c.Username == "" && c.Email == "" && c.Password == ""
}

// Service implements account rules on top of a Repository.
type Service struct {
	repo     Repository
	hashCost int
	logger   *logrus.Logger
}

func NewService(repo Repository, hashCost int, logger *logrus.Logger) *Service {
	if hashCost < bcrypt.MinCost {
		hashCost = DefaultHashCost
	}
	return &Service{repo: repo, hashCost: hashCost, logger: logger}
}

// Register creates a user account. Only RoleUser (or no role) is accepted.
func (s *Service) Register(ctx context.Context, reg Registration) (User, error) {
	if reg.Role != "" && reg.Role != RoleUser {
		return User{}, ErrRoleNotAllowed
	}
	if err := s.ensureFree(ctx, 0, reg.Email, reg.Username); err != nil {
		return User{}, err
	}
	return s.create(ctx, reg.Username, reg.Email, reg.Password, RoleUser)
}

// Authenticate returns the user whose email or username is login and whose
// password matches. Both failures are reported as ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, login, password string) (User, error) {
	u, err := s.repo.FindByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]User, error) {
	return s.repo.List(ctx)
}

// Update applies changes to user id. Username and email must stay unique.
func (s *Service) Update(ctx context.Context, id int64, changes Changes) (User, error) {
	u, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	if changes.empty() {
		return User{}, ErrNoChanges
	}
	if err := s.ensureFree(ctx, id, changes.Email, changes.Username); err != nil {
		return User{}, err
	}

	if changes.Username != "" {
		u.Username = changes.Username
	}
	if changes.Email != "" {
		u.Email = changes.Email
	}
	if changes.Password != "" {
		hash, err := s.hash(changes.Password)
		if err != nil {
			return User{}, err
		}
		u.PasswordHash = hash
	}

	if err := s.repo.Update(ctx, &u); err != nil {
		return User{}, err
	}
	return s.repo.FindByID(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

// EnsureDefaultSuperadmin creates the configured superadmin unless a user
// already holds its username or email. It reports whether it created one.
func (s *Service) EnsureDefaultSuperadmin(ctx context.Context, account config.DefaultAccount) (bool, error) {
	if account.Username == "" || account.Email == "" {
		return false, errors.New("default superadmin username and email are required")
	}
	for _, find := range []func() (User, error){
		func() (User, error) { return s.repo.FindByUsername(ctx, account.Username) },
		func() (User, error) { return s.repo.FindByEmail(ctx, account.Email) },
	} {
		_, err := find()
		if err == nil {
			s.logger.Info("Default superadmin user already exists")
			return false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}
	if account.Password == "" {
		return false, errors.New("default superadmin password is not configured")
	}

	if _, err := s.create(ctx, account.Username, account.Email, account.Password, RoleSuperadmin); err != nil {
		return false, err
	}
	s.logger.WithField("username", account.Username).Info("Default superadmin user created")
	return true, nil
}

func (s *Service) create(ctx context.Context, username, email, password string, role Role) (User, error) {
	hash, err := s.hash(password)
	if err != nil {
		return User{}, err
	}
	u := User{Username: username, Email: email, PasswordHash: hash, Role: role}
	if err := s.repo.Create(ctx, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// ensureFree checks email and username are not held by a user other than id.
func (s *Service) ensureFree(ctx context.Context, id int64, email, username string) error {
	if email != "" {
		u, err := s.repo.FindByEmail(ctx, email)
		switch {
		case err == nil && u.ID != id:
			return ErrEmailTaken
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}
	}
	if username != "" {
		u, err := s.repo.FindByUsername(ctx, username)
		switch {
		case err == nil && u.ID != id:
			return ErrUsernameTaken
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
