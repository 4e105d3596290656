package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PG implements Searcher with ILIKE queries as a fallback. Group and user
// names are short strings, so substring match is enough here; no FTS.
type PG struct {
	db *sql.DB
}

// NewPG creates a Postgres searcher.
func NewPG(db *sql.DB) *PG {
	return &PG{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PG) Healthy() bool {
	return true
}

// Search runs substring matches over group names and usernames.
func (p *PG) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var results []Result
	if q.FilterType == "" || q.FilterType == ResultGroup {
		found, err := p.query(ctx, `
			SELECT id, name FROM groups WHERE name ILIKE '%' || $1 || '%' ORDER BY name LIMIT $2
		`, ResultGroup, q.Text, limit)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, found...)
	}
	if q.FilterType == "" || q.FilterType == ResultUser {
		found, err := p.query(ctx, `
			SELECT id, user_name FROM users WHERE user_name ILIKE '%' || $1 || '%' ORDER BY user_name LIMIT $2
		`, ResultUser, q.Text, limit)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, found...)
	}
	return results, len(results), nil
}

func (p *PG) query(ctx context.Context, query string, rtyp ResultType, args ...any) ([]Result, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", rtyp, err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		r := Result{Type: rtyp}
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, fmt.Errorf("scan %s hit: %w", rtyp, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
