package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/beercup/cup-bot/internal/domain"
)

type postgresStore struct {
	db *sql.DB
}

// NewPostgres opens a pooled connection and verifies it with a ping.
func NewPostgres(databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &postgresStore{db: db}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) CreateUser(ctx context.Context, u *domain.User) error {
	if u == nil {
		return fmt.Errorf("nil user payload")
	}
	existing, err := s.UserByTelegramID(ctx, u.TelegramID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrDuplicateUser
	}
	const query = `
		INSERT INTO users (telegram_id, username, bot_state, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	now := time.Now()
	return s.db.QueryRowContext(ctx, query, u.TelegramID, u.Username, int(u.State), now).
		Scan(&u.ID, &u.CreatedAt)
}

func (s *postgresStore) UserByID(ctx context.Context, id int64) (*domain.User, error) {
	return s.userBy(ctx, `SELECT id, telegram_id, username, bot_state, created_at FROM users WHERE id = $1`, id)
}

func (s *postgresStore) UserByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error) {
	return s.userBy(ctx, `SELECT id, telegram_id, username, bot_state, created_at FROM users WHERE telegram_id = $1`, telegramID)
}

func (s *postgresStore) UserByName(ctx context.Context, username string) (*domain.User, error) {
	return s.userBy(ctx, `SELECT id, telegram_id, username, bot_state, created_at FROM users WHERE username = $1`, username)
}

func (s *postgresStore) userBy(ctx context.Context, query string, arg any) (*domain.User, error) {
	var u domain.User
	var state int
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.TelegramID, &u.Username, &state, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	u.State = domain.BotState(state)
	return &u, nil
}

func (s *postgresStore) UpdateUserState(ctx context.Context, userID int64, state domain.BotState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET bot_state = $1 WHERE id = $2`, int(state), userID)
	if err != nil {
		return fmt.Errorf("update bot_state: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrUserNotFound
	}
	return nil
}

func (s *postgresStore) CreateCup(ctx context.Context, c *domain.Cup) error {
	if c == nil {
		return fmt.Errorf("nil cup payload")
	}
	existing, err := s.CupByName(ctx, c.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrDuplicateCupName
	}
	if c.StartAt.IsZero() {
		c.StartAt = time.Now()
	}
	const query = `
		INSERT INTO cups (name, mode, manager_id, start_at, end_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	return s.db.QueryRowContext(ctx, query, c.Name, c.Mode, c.ManagerID, c.StartAt, c.EndAt).
		Scan(&c.ID)
}

const cupColumns = `id, name, mode, manager_id, start_at, end_at`

func (s *postgresStore) CupByName(ctx context.Context, name string) (*domain.Cup, error) {
	var c domain.Cup
	err := s.db.QueryRowContext(ctx, `SELECT `+cupColumns+` FROM cups WHERE name = $1`, name).
		Scan(&c.ID, &c.Name, &c.Mode, &c.ManagerID, &c.StartAt, &c.EndAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select cup: %w", err)
	}
	return &c, nil
}

func (s *postgresStore) CupsEndingAfter(ctx context.Context, t time.Time) ([]*domain.Cup, error) {
	return s.cupsBy(ctx, `SELECT `+cupColumns+` FROM cups WHERE end_at > $1 ORDER BY end_at`, t)
}

func (s *postgresStore) CupsOwnedBy(ctx context.Context, userID int64) ([]*domain.Cup, error) {
	return s.cupsBy(ctx, `SELECT `+cupColumns+` FROM cups WHERE manager_id = $1 ORDER BY end_at`, userID)
}

func (s *postgresStore) CupsAttendedBy(ctx context.Context, userID int64) ([]*domain.Cup, error) {
	const query = `
		SELECT c.id, c.name, c.mode, c.manager_id, c.start_at, c.end_at
		FROM cups c
		JOIN cup_attendees a ON a.cup_id = c.id
		WHERE a.user_id = $1
		ORDER BY c.end_at`
	return s.cupsBy(ctx, query, userID)
}

func (s *postgresStore) cupsBy(ctx context.Context, query string, arg any) ([]*domain.Cup, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("select cups: %w", err)
	}
	defer rows.Close()
	var out []*domain.Cup
	for rows.Next() {
		var c domain.Cup
		if err := rows.Scan(&c.ID, &c.Name, &c.Mode, &c.ManagerID, &c.StartAt, &c.EndAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *postgresStore) Attendees(ctx context.Context, cupID int64) ([]*domain.User, error) {
	const query = `
		SELECT u.id, u.telegram_id, u.username, u.bot_state, u.created_at
		FROM users u
		JOIN cup_attendees a ON a.user_id = u.id
		WHERE a.cup_id = $1
		ORDER BY u.username`
	rows, err := s.db.QueryContext(ctx, query, cupID)
	if err != nil {
		return nil, fmt.Errorf("select attendees: %w", err)
	}
	defer rows.Close()
	var out []*domain.User
	for rows.Next() {
		var u domain.User
		var state int
		if err := rows.Scan(&u.ID, &u.TelegramID, &u.Username, &state, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.State = domain.BotState(state)
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *postgresStore) AddAttendee(ctx context.Context, cupID, userID int64) error {
	// Idempotent: re-joining is a no-op.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cup_attendees (cup_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		cupID, userID)
	if err != nil {
		return fmt.Errorf("add attendee: %w", err)
	}
	return nil
}

func (s *postgresStore) DeleteCup(ctx context.Context, cupID int64) error {
	// Games, attendees and ratings go with the cup via ON DELETE CASCADE.
	res, err := s.db.ExecContext(ctx, `DELETE FROM cups WHERE id = $1`, cupID)
	if err != nil {
		return fmt.Errorf("delete cup: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrCupNotFound
	}
	return nil
}

func (s *postgresStore) GamesByCup(ctx context.Context, cupID int64) ([]*domain.Game, error) {
	const query = `
		SELECT id, cup_id, winner_ids, loser_ids, created_at
		FROM games WHERE cup_id = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, cupID)
	if err != nil {
		return nil, fmt.Errorf("select games: %w", err)
	}
	defer rows.Close()
	var out []*domain.Game
	for rows.Next() {
		var g domain.Game
		var winners, losers []byte
		if err := rows.Scan(&g.ID, &g.CupID, &winners, &losers, &g.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(winners, &g.WinnerIDs); err != nil {
			return nil, fmt.Errorf("unmarshal winner_ids: %w", err)
		}
		if err := json.Unmarshal(losers, &g.LoserIDs); err != nil {
			return nil, fmt.Errorf("unmarshal loser_ids: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *postgresStore) CreateDefaultRating(ctx context.Context, userID, cupID int64, rating float64) error {
	existing, err := s.RatingFor(ctx, userID, cupID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrRatingExists
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ratings (user_id, cup_id, rating, updated_at) VALUES ($1, $2, $3, $4)`,
		userID, cupID, rating, time.Now())
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	return nil
}

func (s *postgresStore) RatingFor(ctx context.Context, userID, cupID int64) (*domain.RatingRecord, error) {
	var r domain.RatingRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, cup_id, rating, updated_at FROM ratings WHERE user_id = $1 AND cup_id = $2`,
		userID, cupID).
		Scan(&r.ID, &r.UserID, &r.CupID, &r.Rating, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select rating: %w", err)
	}
	return &r, nil
}

func (s *postgresStore) RecordGame(ctx context.Context, g *domain.Game, updates []RatingUpdate) error {
	if g == nil {
		return fmt.Errorf("nil game payload")
	}
	winners, err := json.Marshal(g.WinnerIDs)
	if err != nil {
		return fmt.Errorf("marshal winner_ids: %w", err)
	}
	losers, err := json.Marshal(g.LoserIDs)
	if err != nil {
		return fmt.Errorf("marshal loser_ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	err = tx.QueryRowContext(ctx,
		`INSERT INTO games (cup_id, winner_ids, loser_ids, created_at)
		 VALUES ($1, $2::jsonb, $3::jsonb, $4) RETURNING id`,
		g.CupID, winners, losers, now).
		Scan(&g.ID)
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	g.CreatedAt = now

	for _, up := range updates {
		res, uerr := tx.ExecContext(ctx,
			`UPDATE ratings SET rating = $1, updated_at = $2 WHERE user_id = $3 AND cup_id = $4`,
			up.NewRating, now, up.UserID, up.CupID)
		if uerr != nil {
			return fmt.Errorf("update rating: %w", uerr)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("rating record missing for user %d in cup %d", up.UserID, up.CupID)
		}
	}

	return tx.Commit()
}
