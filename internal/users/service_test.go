package users_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"job-leaderboard/internal/config"
	"job-leaderboard/internal/users"
	"job-leaderboard/internal/users/userstest"
)

func newService(t *testing.T) (*users.Service, *userstest.Memory) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	repo := userstest.NewMemory()
	return users.NewService(repo, bcrypt.MinCost, logger), repo
}

func register(t *testing.T, svc *users.Service, username, email string) users.User {
	t.Helper()
	u, err := svc.Register(context.Background(), users.Registration{
		Username: username,
		Email:    email,
		Password: "secret123",
	})
	require.NoError(t, err)
	return u
}

func TestRegister(t *testing.T) {
	svc, _ := newService(t)
	u := register(t, svc, "alice", "alice@example.com")

	assert.NotZero(t, u.ID)
	assert.Equal(t, users.RoleUser, u.Role)
	assert.NotEqual(t, "secret123", u.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("secret123")))
}

func TestRegister_Conflicts(t *testing.T) {
	svc, _ := newService(t)
	register(t, svc, "alice", "alice@example.com")
	ctx := context.Background()

	_, err := svc.Register(ctx, users.Registration{Username: "other", Email: "alice@example.com", Password: "secret123"})
	assert.ErrorIs(t, err, users.ErrEmailTaken)
	assert.ErrorIs(t, err, users.ErrDuplicate)

	_, err = svc.Register(ctx, users.Registration{Username: "alice", Email: "other@example.com", Password: "secret123"})
	assert.ErrorIs(t, err, users.ErrUsernameTaken)
}

func TestRegister_RejectsElevatedRole(t *testing.T) {
	svc, repo := newService(t)
	_, err := svc.Register(context.Background(), users.Registration{
		Username: "mallory",
		Email:    "mallory@example.com",
		Password: "secret123",
		Role:     users.RoleAdmin,
	})
	assert.ErrorIs(t, err, users.ErrRoleNotAllowed)

	all, _ := repo.List(context.Background())
	assert.Empty(t, all)
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newService(t)
	want := register(t, svc, "alice", "alice@example.com")
	ctx := context.Background()

	byEmail, err := svc.Authenticate(ctx, "alice@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, want.ID, byEmail.ID)

	byName, err := svc.Authenticate(ctx, "alice", "secret123")
	require.NoError(t, err)
	assert.Equal(t, want.ID, byName.ID)

	_, err = svc.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, users.ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody", "secret123")
	assert.ErrorIs(t, err, users.ErrInvalidCredentials)
}

func TestAuthenticate_RepositoryError(t *testing.T) {
	svc, repo := newService(t)
	repo.Err = errors.New("connection reset")

	_, err := svc.Authenticate(context.Background(), "alice", "secret123")
	assert.EqualError(t, err, "connection reset")
}

func TestUpdate(t *testing.T) {
	svc, _ := newService(t)
	alice := register(t, svc, "alice", "alice@example.com")
	register(t, svc, "bob", "bob@example.com")
	ctx := context.Background()

	t.Run("changes fields", func(t *testing.T) {
		u, err := svc.Update(ctx, alice.ID, users.Changes{Email: "alice@new.example.com", Password: "newsecret"})
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Username)
		assert.Equal(t, "alice@new.example.com", u.Email)

		_, err = svc.Authenticate(ctx, "alice", "newsecret")
		assert.NoError(t, err)
	})

	t.Run("keeping own values is not a conflict", func(t *testing.T) {
		_, err := svc.Update(ctx, alice.ID, users.Changes{Username: "alice"})
		assert.NoError(t, err)
	})

	t.Run("email held by another user", func(t *testing.T) {
		_, err := svc.Update(ctx, alice.ID, users.Changes{Email: "bob@example.com"})
		assert.ErrorIs(t, err, users.ErrEmailTaken)
	})

	t.Run("username held by another user", func(t *testing.T) {
		_, err := svc.Update(ctx, alice.ID, users.Changes{Username: "bob"})
		assert.ErrorIs(t, err, users.ErrUsernameTaken)
	})

	t.Run("nothing to change", func(t *testing.T) {
		_, err := svc.Update(ctx, alice.ID, users.Changes{})
		assert.ErrorIs(t, err, users.ErrNoChanges)
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := svc.Update(ctx, 999, users.Changes{Username: "ghost"})
		assert.ErrorIs(t, err, users.ErrNotFound)
	})
}

func TestDelete(t *testing.T) {
	svc, _ := newService(t)
	alice := register(t, svc, "alice", "alice@example.com")
	ctx := context.Background()

	require.NoError(t, svc.Delete(ctx, alice.ID))
	_, err := svc.Get(ctx, alice.ID)
	assert.ErrorIs(t, err, users.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, alice.ID), users.ErrNotFound)
}

func TestEnsureDefaultSuperadmin(t *testing.T) {
	account := config.DefaultAccount{Username: "superadmin", Email: "root@example.com", Password: "changeme"}
	ctx := context.Background()

	t.Run("creates once", func(t *testing.T) {
		svc, repo := newService(t)

		created, err := svc.EnsureDefaultSuperadmin(ctx, account)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = svc.EnsureDefaultSuperadmin(ctx, account)
		require.NoError(t, err)
		assert.False(t, created)

		all, _ := repo.List(ctx)
		require.Len(t, all, 1)
		assert.Equal(t, users.RoleSuperadmin, all[0].Role)

		_, err = svc.Authenticate(ctx, "superadmin", "changeme")
		assert.NoError(t, err)
	})

	t.Run("email already used", func(t *testing.T) {
		svc, _ := newService(t)
		register(t, svc, "someone", "root@example.com")

		created, err := svc.EnsureDefaultSuperadmin(ctx, account)
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("no password configured", func(t *testing.T) {
		svc, _ := newService(t)
		noPassword := account
		noPassword.Password = ""

		created, err := svc.EnsureDefaultSuperadmin(ctx, noPassword)
		assert.Error(t, err)
		assert.False(t, created)
	})
}
