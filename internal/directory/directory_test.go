package directory

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"buscart/internal/db"
	"buscart/internal/domain"
	"buscart/internal/migrate"
	"buscart/internal/repo"
)

const sample = `
categories:
  - id: musica
    name: Música
artists:
  - id: artist-1
    category_id: musica
    city: Bogotá
    is_available: true
  - id: artist-2
    category_id: musica
    city: Cali
    is_available: false
    can_travel: true
`

func TestImportUpsertsDirectory(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	r := repo.New(conn, db.SQLite)
	ctx := context.Background()

	f, err := Parse([]byte(sample))
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := Import(ctx, conn, r, f, now)
	require.NoError(t, err)
	require.Equal(t, Result{Categories: 1, Artists: 2}, res)

	f.Artists[1].IsAvailable = true
	_, err = Import(ctx, conn, r, f, now.Add(time.Hour))
	require.NoError(t, err)

	got, err := r.ListArtists(ctx, nil, "musica")
	require.NoError(t, err)
	want := []domain.Artist{
		{ID: "artist-1", CategoryID: "musica", City: "Bogotá", IsAvailable: true},
		{ID: "artist-2", CategoryID: "musica", City: "Cali", IsAvailable: true, CanTravel: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("artists mismatch (-want +got):\n%s", diff)
	}
	cat, err := r.GetCategory(ctx, nil, "musica")
	require.NoError(t, err)
	require.Equal(t, "Música", cat.Name)
}

func TestImportRejectsUnknownCategory(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	f := File{Artists: []domain.Artist{{ID: "a", CategoryID: "missing", City: "Bogotá"}}}
	_, err = Import(context.Background(), conn, repo.New(conn, db.SQLite), f, time.Now())
	require.Error(t, err)
}

func TestParseRejectsDuplicates(t *testing.T) {
	_, err := Parse([]byte("categories:\n  - id: a\n  - id: a\n"))
	require.ErrorContains(t, err, "duplicate category")
	_, err = Parse([]byte("artists:\n  - id: x\n"))
	require.ErrorContains(t, err, "empty category_id")
}
