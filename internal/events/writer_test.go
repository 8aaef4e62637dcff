package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"buscart/internal/db"
)

func TestPlaceholderFormatFollowsDialect(t *testing.T) {
	cases := map[db.Dialect]string{
		db.SQLite:   "VALUES (?,?)",
		db.Postgres: "VALUES ($1,$2)",
	}
	for dialect, want := range cases {
		got, err := placeholderFormat(dialect).ReplacePlaceholders("VALUES (?,?)")
		require.NoError(t, err)
		require.Equal(t, want, got, dialect)
	}
}
