package users

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'alice' for key 'users.username'"}
	err := classify("insert user", dup)
	assert.ErrorIs(t, err, ErrDuplicate)

	other := &mysql.MySQLError{Number: 1146, Message: "Table 'users' doesn't exist"}
	err = classify("insert user", other)
	assert.NotErrorIs(t, err, ErrDuplicate)
	assert.ErrorIs(t, err, other)
}

type rowFunc func(dest ...interface{}) error

func (f rowFunc) Scan(dest ...interface{}) error { return f(dest...) }

func TestScanUser(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	row := func(role string) rowFunc {
		return func(dest ...interface{}) error {
			*dest[0].(*int64) = 7
			*dest[1].(*string) = "alice"
			*dest[2].(*string) = "alice@example.com"
			*dest[3].(*string) = "$2a$12$hash"
			*dest[4].(*string) = role
			*dest[5].(*time.Time) = created
			*dest[6].(*time.Time) = created
			return nil
		}
	}

	u, err := scanUser(row("admin"))
	assert.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, RoleAdmin, u.Role)
	assert.Equal(t, created, u.CreatedAt)

	u, err = scanUser(row(""))
	assert.NoError(t, err)
	assert.Equal(t, RoleUser, u.Role)

	_, err = scanUser(rowFunc(func(...interface{}) error { return sql.ErrNoRows }))
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleSuperadmin.Valid())
	assert.True(t, RoleAdmin.Valid())
	assert.True(t, RoleUser.Valid())
	assert.False(t, Role("root").Valid())
}
