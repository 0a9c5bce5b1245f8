// Package store is the durable entity store for users, cups, games and
// rating records. Two implementations exist: postgres for deployments and an
// in-memory one for development and tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/beercup/cup-bot/internal/domain"
)

var (
	ErrDuplicateCupName   = errors.New("cup name already taken")
	ErrDuplicateUser      = errors.New("telegram id already registered")
	ErrRatingExists       = errors.New("rating record already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrCupNotFound        = errors.New("cup not found")
)

// RatingUpdate carries the new absolute rating for one (user, cup) record.
type RatingUpdate struct {
	UserID    int64
	CupID     int64
	NewRating float64
}

// Store lookups return (nil, nil) when the entity does not exist; hard
// failures are reserved for infrastructure errors.
type Store interface {
	CreateUser(ctx context.Context, u *domain.User) error
	UserByID(ctx context.Context, id int64) (*domain.User, error)
	UserByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error)
	UserByName(ctx context.Context, username string) (*domain.User, error)
	UpdateUserState(ctx context.Context, userID int64, state domain.BotState) error

	CreateCup(ctx context.Context, c *domain.Cup) error
	CupByName(ctx context.Context, name string) (*domain.Cup, error)
	CupsEndingAfter(ctx context.Context, t time.Time) ([]*domain.Cup, error)
	CupsOwnedBy(ctx context.Context, userID int64) ([]*domain.Cup, error)
	CupsAttendedBy(ctx context.Context, userID int64) ([]*domain.Cup, error)
	Attendees(ctx context.Context, cupID int64) ([]*domain.User, error)
	AddAttendee(ctx context.Context, cupID, userID int64) error
	// DeleteCup cascades to the cup's games, attendees and rating records.
	DeleteCup(ctx context.Context, cupID int64) error

	GamesByCup(ctx context.Context, cupID int64) ([]*domain.Game, error)

	CreateDefaultRating(ctx context.Context, userID, cupID int64, rating float64) error
	RatingFor(ctx context.Context, userID, cupID int64) (*domain.RatingRecord, error)

	// RecordGame commits the game and the rating updates in one transaction.
	// Neither is ever visible without the other.
	RecordGame(ctx context.Context, g *domain.Game, updates []RatingUpdate) error

	Close() error
}
