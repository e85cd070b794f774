package postgres

import (
	"io/fs"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	got := DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "expertwatch"})
	assert.Equal(t, "postgres://u:p@db:5432/expertwatch?sslmode=disable", got)

	got = DSN(ClientConfig{DSN: "postgres://override", Host: "ignored"})
	assert.Equal(t, "postgres://override", got)

	got = DSN(ClientConfig{Host: "db", Port: 6432, User: "u", Password: "p@ss/word", Database: "ew", SSLMode: "require"})
	assert.Equal(t, "postgres://u:p%40ss%2Fword@db:6432/ew?sslmode=require", got)
}

func TestNumericText(t *testing.T) {
	assert.Nil(t, bigText(nil))
	require.NotNil(t, bigText(big.NewInt(7)))
	assert.Equal(t, "7", *bigText(big.NewInt(7)))
	assert.Equal(t, "0", amountText(nil))

	huge, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)
	n, err := parseBig(amountText(huge))
	require.NoError(t, err)
	assert.Equal(t, 0, huge.Cmp(n))

	_, err = parseBig("1.5")
	assert.Error(t, err)
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "migrations/001_expert_trades.sql", names[0])
}
