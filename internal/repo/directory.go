package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"buscart/internal/domain"
)

func (r Repo) UpsertCategory(ctx context.Context, q Querier, c domain.Category, now string) error {
	_, err := execStmt(ctx, r.q(q), r.sb().Insert("categories").
		Columns("id", "name", "updated_at").
		Values(c.ID, c.Name, now).
		Suffix("ON CONFLICT(id) DO UPDATE SET name=excluded.name, updated_at=excluded.updated_at"))
	return err
}

func (r Repo) UpsertArtist(ctx context.Context, q Querier, a domain.Artist, now string) error {
	_, err := execStmt(ctx, r.q(q), r.sb().Insert("artists").
		Columns("id", "category_id", "city", "is_available", "can_travel", "updated_at").
		Values(a.ID, a.CategoryID, a.City, a.IsAvailable, a.CanTravel, now).
		Suffix("ON CONFLICT(id) DO UPDATE SET category_id=excluded.category_id, city=excluded.city, is_available=excluded.is_available, can_travel=excluded.can_travel, updated_at=excluded.updated_at"))
	return err
}

func (r Repo) GetCategory(ctx context.Context, q Querier, id string) (domain.Category, error) {
	row, err := queryRowStmt(ctx, r.q(q), r.sb().Select("id", "name").From("categories").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.Category{}, err
	}
	var c domain.Category
	err = row.Scan(&c.ID, &c.Name)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := queryStmt(ctx, r.DB, r.sb().Select("id", "name").From("categories").OrderBy("name", "id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Category{}
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ListArtists returns the artist snapshot, optionally limited to one category.
func (r Repo) ListArtists(ctx context.Context, q Querier, categoryID string) ([]domain.Artist, error) {
	b := r.sb().Select("id", "category_id", "city", "is_available", "can_travel").From("artists")
	if categoryID != "" {
		b = b.Where(sq.Eq{"category_id": categoryID})
	}
	rows, err := queryStmt(ctx, r.q(q), b.OrderBy("id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Artist{}
	for rows.Next() {
		var a domain.Artist
		if err := rows.Scan(&a.ID, &a.CategoryID, &a.City, &a.IsAvailable, &a.CanTravel); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
