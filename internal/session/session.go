// Package session is the ephemeral per-user scratch storage that carries
// partial input across dialog steps. Entries are route-tagged; a user has at
// most one active route at a time.
package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/beercup/cup-bot/internal/chaterr"
	"github.com/beercup/cup-bot/internal/domain"
)

type Route string

const (
	RouteNewCup         Route = "new-cup"
	RouteNewGame        Route = "new-game"
	RouteDeleteCup      Route = "delete-cup"
	RouteConfirmingGame Route = "confirming-game"
	RouteSimple         Route = "simple"
)

// Envelope is what a backend stores per user: the active route plus its
// route-specific payload as raw JSON.
type Envelope struct {
	Route   Route           `json:"route"`
	Payload json.RawMessage `json:"payload"`
}

// Store is the keyed backend behind the cache. An in-process map serves
// single-instance deployments, redis serves shared ones; the cache never
// assumes in-process-only lifetime.
type Store interface {
	Load(ctx context.Context, userID int64) (*Envelope, error)
	Save(ctx context.Context, userID int64, env *Envelope) error
	Delete(ctx context.Context, userID int64) error
}

// Route-specific drafts.

type NewCupDraft struct {
	Mode int    `json:"mode"`
	Name string `json:"name,omitempty"`
}

type NewGameDraft struct {
	CupName   string   `json:"cupName"`
	Winners   []string `json:"winners,omitempty"`
	Losers    []string `json:"losers,omitempty"`
	Confirmed []string `json:"confirmed,omitempty"`
}

type DeleteCupDraft struct {
	CupID int64  `json:"cupId"`
	Name  string `json:"name"`
}

type ConfirmingGameDraft struct {
	InitiatorID int64  `json:"initiatorId"` // pending-game key, creator's user id
	CreatorName string `json:"creatorName"`
	CupName     string `json:"cupName"`
	PrevState   int    `json:"prevState"`
}

type Cache struct {
	store Store
}

func NewCache(store Store) *Cache {
	return &Cache{store: store}
}

// Set unconditionally replaces any existing entry for the user.
func (c *Cache) Set(ctx context.Context, userID int64, route Route, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal session payload: %w", err)
	}
	return c.store.Save(ctx, userID, &Envelope{Route: route, Payload: raw})
}

// Merge folds a partial payload into the existing entry. An entry stored
// under a different route is cross-route contamination and is rejected.
// Two list-shaped payloads concatenate, two map-shaped payloads shallow-merge,
// anything else replaces.
func (c *Cache) Merge(ctx context.Context, userID int64, route Route, partial any) error {
	env, err := c.store.Load(ctx, userID)
	if err != nil {
		return err
	}
	if env == nil {
		return chaterr.New(chaterr.CacheEmpty)
	}
	if env.Route != route {
		return chaterr.New(chaterr.CacheInvalidFormat)
	}

	var oldVal any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &oldVal); err != nil {
			return fmt.Errorf("unmarshal stored payload: %w", err)
		}
	}
	rawNew, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("marshal partial payload: %w", err)
	}
	var newVal any
	if err := json.Unmarshal(rawNew, &newVal); err != nil {
		return fmt.Errorf("unmarshal partial payload: %w", err)
	}

	merged, err := json.Marshal(mergeValues(oldVal, newVal))
	if err != nil {
		return fmt.Errorf("marshal merged payload: %w", err)
	}
	return c.store.Save(ctx, userID, &Envelope{Route: route, Payload: merged})
}

// Get unmarshals the entry into out, failing when no entry exists or the
// stored route differs from the requested one.
func (c *Cache) Get(ctx context.Context, userID int64, route Route, out any) error {
	env, err := c.store.Load(ctx, userID)
	if err != nil {
		return err
	}
	if env == nil {
		return chaterr.New(chaterr.CacheEmpty)
	}
	if env.Route != route {
		return chaterr.New(chaterr.CacheInvalidFormat)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("unmarshal session payload: %w", err)
	}
	return nil
}

// Route returns the active route for the user, or "" when none is set.
func (c *Cache) Route(ctx context.Context, userID int64) (Route, error) {
	env, err := c.store.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	if env == nil {
		return "", nil
	}
	return env.Route, nil
}

// Clear removes the user's entry across all routes. Called on dialog
// completion, cancellation, stop and start.
func (c *Cache) Clear(ctx context.Context, userID int64) error {
	return c.store.Delete(ctx, userID)
}

func mergeValues(oldVal, newVal any) any {
	oldList, oldIsList := oldVal.([]any)
	newList, newIsList := newVal.([]any)
	if oldIsList && newIsList {
		return append(append([]any(nil), oldList...), newList...)
	}
	oldMap, oldIsMap := oldVal.(map[string]any)
	newMap, newIsMap := newVal.(map[string]any)
	if oldIsMap && newIsMap {
		merged := make(map[string]any, len(oldMap)+len(newMap))
		for k, v := range oldMap {
			merged[k] = v
		}
		for k, v := range newMap {
			if v == nil {
				continue
			}
			merged[k] = v
		}
		return merged
	}
	return newVal
}

// statecheck keeps the session package honest about which states may own
// which route; used by tests.
var routeForState = map[domain.BotState]Route{
	domain.StateStartNewCup:       RouteNewCup,
	domain.StateNewCupTypeSet:     RouteNewCup,
	domain.StateNewCupNameSet:     RouteNewCup,
	domain.StateDelCup:            RouteDeleteCup,
	domain.StateDelCupConfirm:     RouteDeleteCup,
	domain.StateStartNewGame:      RouteNewGame,
	domain.StateNewGameCupSet:     RouteNewGame,
	domain.StateNewGameWinnersSet: RouteNewGame,
	domain.StateNewGameLosersSet:  RouteNewGame,
	domain.StateGameConfirmation:  RouteConfirmingGame,
}

// RouteForState returns the route a dialog state writes to, if any.
func RouteForState(s domain.BotState) (Route, bool) {
	r, ok := routeForState[s]
	return r, ok
}
