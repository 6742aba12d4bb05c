package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{"explicit dsn wins", ClientConfig{DSN: "postgres://x", Host: "ignored"}, "postgres://x"},
		{"defaults", ClientConfig{Host: "db", User: "u", Password: "p", Database: "paper"},
			"postgres://u:p@db:5432/paper?sslmode=disable"},
		{"custom port and ssl", ClientConfig{Host: "db", Port: 6543, User: "u", Password: "p", Database: "paper", SSLMode: "require"},
			"postgres://u:p@db:6543/paper?sslmode=require"},
		{"password escaped", ClientConfig{Host: "db", User: "u", Password: "p@ss/w", Database: "paper"},
			"postgres://u:p%40ss%2Fw@db:5432/paper?sslmode=disable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DSN(tt.cfg))
		})
	}
}

func TestOrderStatementsBindEveryColumn(t *testing.T) {
	args := orderArgs(domain.Order{ID: "o1", UserID: "u1"})
	require.Len(t, args, len(orderColumns))

	assert.Equal(t, strings.Count(orderInsertSQL, "$"), len(orderColumns))
	assert.True(t, strings.HasPrefix(orderUpdateSet, "symbol = $3"))
	assert.Equal(t, len(orderColumns)-2, strings.Count(orderUpdateSet, "$"))
	assert.NotContains(t, orderUpdateSet, "user_id")
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])

	data, err := migrationsFS.ReadFile("migrations/" + names[0])
	require.NoError(t, err)
	for _, table := range []string{"accounts", "paper_orders", "audit_log"} {
		assert.Contains(t, string(data), table)
	}

	require.Len(t, names, 2)
	assert.Equal(t, "002_account_revision.sql", names[1])
	data, err = migrationsFS.ReadFile("migrations/" + names[1])
	require.NoError(t, err)
	assert.Contains(t, string(data), "revision")
}
