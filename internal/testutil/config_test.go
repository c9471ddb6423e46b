package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/target/escrow-settlement/internal/domain/model"
)

func TestDefaultTestDBConfig(t *testing.T) {
	t.Run("defaults to local test database port 55432", func(t *testing.T) {
		for _, k := range []string{"TEST_DB_HOST", "TEST_DB_PORT", "TEST_DB_USER", "TEST_DB_PASSWORD", "TEST_DB_NAME"} {
			t.Setenv(k, "")
		}
		cfg := DefaultTestDBConfig()
		assert.Equal(t, "localhost", cfg.Host)
		assert.Equal(t, "55432", cfg.Port)
		assert.Equal(t, "settlement", cfg.User)
		assert.Equal(t, "settlement", cfg.DBName)
	})

	t.Run("respects TEST_DB_PORT environment variable", func(t *testing.T) {
		t.Setenv("TEST_DB_HOST", "postgres")
		t.Setenv("TEST_DB_PORT", "5432")
		cfg := DefaultTestDBConfig()
		assert.Equal(t, "postgres", cfg.Host)
		assert.Equal(t, "5432", cfg.Port)
	})
}

func TestTestDBConfig_DSN(t *testing.T) {
	t.Setenv("DB_SSL_MODE", "")
	cfg := TestDBConfig{Host: "db", Port: "5432", User: "u", Password: "p@ss", DBName: "settle"}
	assert.Equal(t, "postgres://u:p%40ss@db:5432/settle?sslmode=disable", cfg.DSN())
}

func TestAddressBuildersAreNormalised(t *testing.T) {
	for i := range 3 {
		got, err := model.NormalizeAddress(EscrowAddress(i))
		assert.NoError(t, err)
		assert.Equal(t, EscrowAddress(i), got)

		got, err = model.NormalizeAddress(WorkerAddress(i))
		assert.NoError(t, err)
		assert.Equal(t, WorkerAddress(i), got)
	}
}
