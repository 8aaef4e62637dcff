package directory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"buscart/internal/domain"
	"buscart/internal/repo"
)

// File is the YAML export of the Artist and Category directories.
type File struct {
	Categories []domain.Category `yaml:"categories"`
	Artists    []domain.Artist   `yaml:"artists"`
}

// Result counts the records an import wrote.
type Result struct {
	Categories int `json:"categories"`
	Artists    int `json:"artists"`
}

func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse directory: %w", err)
	}
	return f, f.Validate()
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Parse(data)
}

// Validate checks ids are present and unique.
func (f File) Validate() error {
	seen := map[string]bool{}
	for i, c := range f.Categories {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return fmt.Errorf("category %d has empty id", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate category %s", id)
		}
		seen[id] = true
	}
	artists := map[string]bool{}
	for i, a := range f.Artists {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("artist %d has empty id", i)
		}
		if artists[id] {
			return fmt.Errorf("duplicate artist %s", id)
		}
		artists[id] = true
		if strings.TrimSpace(a.CategoryID) == "" {
			return fmt.Errorf("artist %s has empty category_id", id)
		}
	}
	return nil
}

// Import upserts the directory in one transaction. Records missing from f
// are left as they are.
func Import(ctx context.Context, conn *sql.DB, r repo.Repo, f File, now time.Time) (Result, error) {
	if err := f.Validate(); err != nil {
		return Result{}, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	ts := domain.FormatTime(now)
	for _, c := range f.Categories {
		c.ID = strings.TrimSpace(c.ID)
		if err := r.UpsertCategory(ctx, tx, c, ts); err != nil {
			return Result{}, fmt.Errorf("upsert category %s: %w", c.ID, err)
		}
	}
	for _, a := range f.Artists {
		a.ID = strings.TrimSpace(a.ID)
		a.CategoryID = strings.TrimSpace(a.CategoryID)
		a.City = strings.TrimSpace(a.City)
		if err := r.UpsertArtist(ctx, tx, a, ts); err != nil {
			return Result{}, fmt.Errorf("upsert artist %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Categories: len(f.Categories), Artists: len(f.Artists)}, nil
}
