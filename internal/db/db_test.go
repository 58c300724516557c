package db

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/turn-orchestrator/internal/chat"
)

func TestConnectAndMigrate_SQLite(t *testing.T) {
	gdb, err := Connect("sqlite", "file:dbtest?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, Migrate(gdb))

	require.True(t, gdb.Migrator().HasTable(&chat.Thread{}))
	require.True(t, gdb.Migrator().HasTable(&chat.Transcript{}))
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect("oracle", "x")
	require.Error(t, err)
}
