package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/game-code-market/internal/model"
)

// GameRepo reads and extends the game catalog.
type GameRepo struct{ DB *sql.DB }

// NewGameRepo constructs a GameRepo with the given DB handle.
func NewGameRepo(db *sql.DB) *GameRepo { return &GameRepo{DB: db} }

// List returns every game ordered by title.
func (r *GameRepo) List(ctx context.Context) ([]model.Game, error) {
	rows, err := r.DB.QueryContext(ctx, "SELECT id, title, created_at FROM games ORDER BY title")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Game
	for rows.Next() {
		var g model.Game
		if err := rows.Scan(&g.ID, &g.Title, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Get loads one game.
func (r *GameRepo) Get(ctx context.Context, id string) (*model.Game, error) {
	var g model.Game
	err := r.DB.QueryRowContext(ctx, "SELECT id, title, created_at FROM games WHERE id=? LIMIT 1", id).
		Scan(&g.ID, &g.Title, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Create adds a title to the catalog.  Duplicate titles are a conflict.
func (r *GameRepo) Create(ctx context.Context, title string) (*model.Game, error) {
	g := model.Game{ID: uuid.NewString(), Title: strings.TrimSpace(title), CreatedAt: time.Now().UTC()}
	_, err := r.DB.ExecContext(ctx, "INSERT INTO games (id, title, created_at) VALUES (?,?,?)", g.ID, g.Title, g.CreatedAt)
	if err != nil {
		if isDuplicate(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return &g, nil
}
