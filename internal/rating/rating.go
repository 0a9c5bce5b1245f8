// Package rating computes the closed-sum rating exchange after a game.
package rating

import (
	"errors"
	"math"

	"github.com/beercup/cup-bot/internal/domain"
)

// ErrImbalance means the configured scale/base-gain produced deltas that do
// not cancel out. Persisting them would leak or destroy rating points, so the
// enclosing transaction must be aborted. This is never shown to a user.
var ErrImbalance = errors.New("rating deltas do not sum to zero")

const sumTolerance = 1e-6

type Config struct {
	Default     float64
	ScaleFactor float64
	BaseGain    float64
}

// DefaultConfig matches a fresh deployment: everyone starts at 1000, the
// gap term is 5% of the team-average difference, the flat exchange is 10.
func DefaultConfig() Config {
	return Config{Default: 1000, ScaleFactor: 0.05, BaseGain: 10}
}

// Delta is the signed rating change for one participant's record.
type Delta struct {
	Record *domain.RatingRecord
	Value  float64
}

func (d Delta) NewRating() float64 { return d.Record.Rating + d.Value }

// Compute derives a delta for every participant from the gap between their
// own rating and the opposing team's average:
//
//	winner: (own − avgLoser) × scale + baseGain
//	loser:  (own − avgWinner) × scale − baseGain
//
// With equal team sizes the winner and loser terms cancel pairwise, so the
// deltas always sum to zero; a non-zero sum can only come from a broken
// configuration and fails hard instead of persisting inconsistent ratings.
func Compute(winners, losers []*domain.RatingRecord, cfg Config) ([]Delta, error) {
	if len(winners) == 0 || len(winners) != len(losers) {
		return nil, errors.New("winner and loser team sizes must match and be non-empty")
	}

	avgWinner := mean(winners)
	avgLoser := mean(losers)

	deltas := make([]Delta, 0, len(winners)+len(losers))
	sum := 0.0
	for _, r := range winners {
		d := (r.Rating-avgLoser)*cfg.ScaleFactor + cfg.BaseGain
		deltas = append(deltas, Delta{Record: r, Value: d})
		sum += d
	}
	for _, r := range losers {
		d := (r.Rating-avgWinner)*cfg.ScaleFactor - cfg.BaseGain
		deltas = append(deltas, Delta{Record: r, Value: d})
		sum += d
	}

	if math.Abs(sum) > sumTolerance {
		return nil, ErrImbalance
	}
	return deltas, nil
}

func mean(records []*domain.RatingRecord) float64 {
	total := 0.0
	for _, r := range records {
		total += r.Rating
	}
	return total / float64(len(records))
}
