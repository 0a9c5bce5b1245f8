// Package pending coordinates the multi-party game confirmation: a game is
// committed only once every losing participant has independently affirmed it,
// and a single rejection kills the whole pending game.
package pending

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beercup/cup-bot/internal/chaterr"
	"github.com/beercup/cup-bot/internal/domain"
	"github.com/beercup/cup-bot/internal/msgcat"
	"github.com/beercup/cup-bot/internal/obslog"
	"github.com/beercup/cup-bot/internal/rating"
	"github.com/beercup/cup-bot/internal/session"
	"github.com/beercup/cup-bot/internal/store"
)

// Sender delivers prompts to a user's chat. Satisfied by the telegram adapter.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendTextWithChoices(ctx context.Context, chatID int64, text string, choices []string, columns int) error
}

// pendingGame is the aggregate for one in-flight confirmation round. It is
// owned by the coordinator, not by any single user's session, and its mutex
// guards the race-sensitive read-check-append-commit sequence.
type pendingGame struct {
	mu sync.Mutex

	id        string
	initiator *domain.User
	cup       *domain.Cup
	winners   []string
	losers    []string // required confirmer set
	confirmed []string
	prevState map[int64]domain.BotState // parked losers, for restoration
	createdAt time.Time
	done      bool
}

type Coordinator struct {
	mu     sync.Mutex
	games  map[int64]*pendingGame // keyed by initiator user id
	store  store.Store
	cache  *session.Cache
	sender Sender
	cat    *msgcat.Catalog
	rcfg   rating.Config
}

func NewCoordinator(st store.Store, cache *session.Cache, sender Sender, cat *msgcat.Catalog, rcfg rating.Config) *Coordinator {
	return &Coordinator{
		games:  make(map[int64]*pendingGame),
		store:  st,
		cache:  cache,
		sender: sender,
		cat:    cat,
		rcfg:   rcfg,
	}
}

// StartResult tells the caller whether the game committed synchronously
// (every loser auto-confirmed) and otherwise who is still awaited.
type StartResult struct {
	Committed bool
	Awaiting  []string
}

// Start broadcasts the confirmation request. Losers whose conversation is
// OFF are auto-confirmed (the initiator is told they were skipped), as is the
// initiator when they lost their own game. Everyone else is parked in the
// confirmation state and prompted.
func (c *Coordinator) Start(ctx context.Context, initiator *domain.User, cup *domain.Cup, winners, losers []string) (*StartResult, error) {
	loserUsers := make([]*domain.User, 0, len(losers))
	for _, name := range losers {
		u, err := c.store.UserByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, chaterr.NewWithData(chaterr.UnavailablePlayer, name)
		}
		loserUsers = append(loserUsers, u)
	}

	pg := &pendingGame{
		id:        uuid.NewString(),
		initiator: initiator,
		cup:       cup,
		winners:   append([]string(nil), winners...),
		losers:    append([]string(nil), losers...),
		prevState: make(map[int64]domain.BotState),
		createdAt: time.Now(),
	}

	c.mu.Lock()
	if _, exists := c.games[initiator.ID]; exists {
		c.mu.Unlock()
		return nil, chaterr.New(chaterr.IllegalAction)
	}
	c.games[initiator.ID] = pg
	c.mu.Unlock()

	obslog.L().Info("pending_game_start",
		zap.String("pending_id", pg.id),
		zap.String("cup", cup.Name),
		zap.String("initiator", initiator.Username),
		zap.Strings("winners", winners),
		zap.Strings("losers", losers),
	)

	var autoConfirm []*domain.User
	for _, lu := range loserUsers {
		switch {
		case lu.ID == initiator.ID:
			// Recording your own loss confirms it.
			autoConfirm = append(autoConfirm, lu)
		case lu.State == domain.StateOff:
			autoConfirm = append(autoConfirm, lu)
			c.send(ctx, initiator.TelegramID, "game.confirm.skipped", map[string]any{"Name": lu.Username})
		default:
			if err := c.park(ctx, pg, lu); err != nil {
				c.abort(ctx, pg, nil)
				return nil, err
			}
		}
	}

	committed := false
	for _, lu := range autoConfirm {
		done, err := c.accept(ctx, pg, lu, false)
		if err != nil {
			return nil, err
		}
		committed = committed || done
	}

	if committed {
		return &StartResult{Committed: true}, nil
	}
	return &StartResult{Awaiting: pg.awaiting()}, nil
}

// park switches one loser into the confirmation state and prompts them.
func (c *Coordinator) park(ctx context.Context, pg *pendingGame, lu *domain.User) error {
	pg.mu.Lock()
	pg.prevState[lu.ID] = lu.State
	pg.mu.Unlock()

	if err := c.store.UpdateUserState(ctx, lu.ID, domain.StateGameConfirmation); err != nil {
		return err
	}
	draft := session.ConfirmingGameDraft{
		InitiatorID: pg.initiator.ID,
		CreatorName: pg.initiator.Username,
		CupName:     pg.cup.Name,
		PrevState:   int(lu.State),
	}
	if err := c.cache.Set(ctx, lu.ID, session.RouteConfirmingGame, draft); err != nil {
		return err
	}
	prompt := c.text("game.confirm.prompt", map[string]any{
		"Creator": pg.initiator.Username,
		"Cup":     pg.cup.Name,
		"Winners": strings.Join(pg.winners, ", "),
		"Losers":  strings.Join(pg.losers, ", "),
	})
	return c.sender.SendTextWithChoices(ctx, lu.TelegramID, prompt, []string{"ja", "nein"}, 2)
}

// Confirm handles a reply from a user parked in the confirmation state.
func (c *Coordinator) Confirm(ctx context.Context, responder *domain.User, affirmative bool) error {
	var draft session.ConfirmingGameDraft
	if err := c.cache.Get(ctx, responder.ID, session.RouteConfirmingGame, &draft); err != nil {
		return err
	}

	c.mu.Lock()
	pg := c.games[draft.InitiatorID]
	c.mu.Unlock()
	if pg == nil {
		// The pending game vanished under the responder; unpark them.
		_ = c.cache.Clear(ctx, responder.ID)
		_ = c.store.UpdateUserState(ctx, responder.ID, domain.StateOn)
		return chaterr.New(chaterr.IllegalAction)
	}

	if !affirmative {
		return c.abort(ctx, pg, responder)
	}
	_, err := c.accept(ctx, pg, responder, true)
	return err
}

// accept appends one confirmation and commits once the quorum is reached.
// Duplicate affirmatives are a no-op reply, never a double-append.
func (c *Coordinator) accept(ctx context.Context, pg *pendingGame, responder *domain.User, interactive bool) (bool, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	if pg.done {
		return false, chaterr.New(chaterr.IllegalAction)
	}

	if !contains(pg.losers, responder.Username) {
		if interactive {
			c.send(ctx, responder.TelegramID, "game.confirm.not_participant", nil)
		}
		return false, nil
	}
	if contains(pg.confirmed, responder.Username) {
		if interactive {
			c.send(ctx, responder.TelegramID, "game.confirm.already", nil)
		}
		return false, nil
	}

	pg.confirmed = append(pg.confirmed, responder.Username)
	obslog.L().Info("pending_game_confirm",
		zap.String("pending_id", pg.id),
		zap.String("user", responder.Username),
		zap.Int("confirmed", len(pg.confirmed)),
		zap.Int("required", len(pg.losers)),
	)

	if len(pg.confirmed) < len(pg.losers) {
		if interactive {
			c.send(ctx, responder.TelegramID, "game.confirm.accepted", nil)
		}
		return false, nil
	}

	// Quorum. Guard against a duplicate-name edge case: the union of the
	// confirmations and the loser list must have exactly the original size.
	if unionSize(pg.confirmed, pg.losers) != len(pg.losers) {
		return false, chaterr.New(chaterr.IllegalAction)
	}

	if err := c.commit(ctx, pg); err != nil {
		// The aggregate is unrecoverable: quorum was reached and consumed.
		// Release everyone so nobody stays parked, then surface the failure.
		pg.done = true
		c.remove(pg)
		c.releaseAfterFailure(ctx, pg)
		return false, err
	}
	pg.done = true
	c.remove(pg)
	return true, nil
}

// releaseAfterFailure unwinds a pending game whose commit failed. Caller
// holds pg.mu. Unlike abort there is no rejector; parked losers are told the
// game was dropped and restored to their pre-park state.
func (c *Coordinator) releaseAfterFailure(ctx context.Context, pg *pendingGame) {
	_ = c.cache.Clear(ctx, pg.initiator.ID)
	_ = c.store.UpdateUserState(ctx, pg.initiator.ID, domain.StateOn)
	c.send(ctx, pg.initiator.TelegramID, "error.unknown", nil)

	for userID, prevState := range pg.prevState {
		_ = c.cache.Clear(ctx, userID)
		restored := prevState
		if restored == domain.StateGameConfirmation {
			restored = domain.StateOn
		}
		if err := c.store.UpdateUserState(ctx, userID, restored); err != nil {
			obslog.L().Warn("pending_game_unpark_error", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		u, _ := c.store.UserByID(ctx, userID)
		if u != nil {
			c.send(ctx, u.TelegramID, "game.confirm.cancelled", map[string]any{
				"Creator": pg.initiator.Username,
				"Cup":     pg.cup.Name,
			})
		}
	}

	obslog.L().Warn("pending_game_commit_failure_released",
		zap.String("pending_id", pg.id),
		zap.String("cup", pg.cup.Name),
	)
}

// commit resolves the rosters, applies the rating exchange and persists game
// and ratings as one transaction, then releases every participant.
func (c *Coordinator) commit(ctx context.Context, pg *pendingGame) error {
	winnerUsers, err := c.resolve(ctx, pg.winners)
	if err != nil {
		return err
	}
	loserUsers, err := c.resolve(ctx, pg.losers)
	if err != nil {
		return err
	}

	winnerRecords, err := c.ratings(ctx, winnerUsers, pg.cup)
	if err != nil {
		return err
	}
	loserRecords, err := c.ratings(ctx, loserUsers, pg.cup)
	if err != nil {
		return err
	}

	deltas, err := rating.Compute(winnerRecords, loserRecords, c.rcfg)
	if err != nil {
		return fmt.Errorf("rating update for cup %q: %w", pg.cup.Name, err)
	}

	game := &domain.Game{
		CupID:     pg.cup.ID,
		WinnerIDs: userIDs(winnerUsers),
		LoserIDs:  userIDs(loserUsers),
	}
	updates := make([]store.RatingUpdate, 0, len(deltas))
	newRating := make(map[int64]float64, len(deltas))
	for _, d := range deltas {
		updates = append(updates, store.RatingUpdate{
			UserID:    d.Record.UserID,
			CupID:     d.Record.CupID,
			NewRating: d.NewRating(),
		})
		newRating[d.Record.UserID] = d.NewRating()
	}
	if err := c.store.RecordGame(ctx, game, updates); err != nil {
		return err
	}

	notified := 0
	participants := append(append([]*domain.User(nil), winnerUsers...), loserUsers...)
	for _, p := range participants {
		_ = c.cache.Clear(ctx, p.ID)
		if p.State == domain.StateOff {
			// An auto-confirmed offline participant stays switched off.
			continue
		}
		if err := c.store.UpdateUserState(ctx, p.ID, domain.StateOn); err != nil {
			obslog.L().Warn("pending_game_release_error", zap.String("user", p.Username), zap.Error(err))
		}
		if p.ID == pg.initiator.ID {
			continue
		}
		c.send(ctx, p.TelegramID, "game.result", map[string]any{
			"Cup":     pg.cup.Name,
			"Winners": strings.Join(pg.winners, ", "),
			"Losers":  strings.Join(pg.losers, ", "),
			"Rating":  fmt.Sprintf("%.0f", newRating[p.ID]),
		})
		notified++
	}
	// The initiator is released even when they did not play themselves.
	_ = c.cache.Clear(ctx, pg.initiator.ID)
	_ = c.store.UpdateUserState(ctx, pg.initiator.ID, domain.StateOn)
	c.send(ctx, pg.initiator.TelegramID, "game.new.recorded", map[string]any{"Cup": pg.cup.Name})

	obslog.L().Info("pending_game_commit",
		zap.String("pending_id", pg.id),
		zap.Int64("game_id", game.ID),
		zap.String("cup", pg.cup.Name),
		zap.Int("notified", notified),
	)
	return nil
}

// abort cancels the whole pending game. rejector is nil when the setup
// itself failed.
func (c *Coordinator) abort(ctx context.Context, pg *pendingGame, rejector *domain.User) error {
	pg.mu.Lock()
	if pg.done {
		pg.mu.Unlock()
		return nil
	}
	pg.done = true
	prev := make(map[int64]domain.BotState, len(pg.prevState))
	for id, st := range pg.prevState {
		prev[id] = st
	}
	pg.mu.Unlock()
	c.remove(pg)

	// Release the initiator first so they are never left waiting.
	_ = c.cache.Clear(ctx, pg.initiator.ID)
	_ = c.store.UpdateUserState(ctx, pg.initiator.ID, domain.StateOn)
	if rejector != nil {
		c.send(ctx, pg.initiator.TelegramID, "game.confirm.rejected_initiator", map[string]any{"Name": rejector.Username})
	}

	// Unpark every loser that was switched into the confirmation state.
	for userID, prevState := range prev {
		_ = c.cache.Clear(ctx, userID)
		restored := prevState
		if restored == domain.StateGameConfirmation {
			restored = domain.StateOn
		}
		if err := c.store.UpdateUserState(ctx, userID, restored); err != nil {
			obslog.L().Warn("pending_game_unpark_error", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		if rejector != nil && userID == rejector.ID {
			c.send(ctx, rejector.TelegramID, "game.new.cancelled", nil)
			continue
		}
		u, _ := c.store.UserByID(ctx, userID)
		if u != nil {
			c.send(ctx, u.TelegramID, "game.confirm.cancelled", map[string]any{
				"Creator": pg.initiator.Username,
				"Cup":     pg.cup.Name,
			})
		}
	}

	obslog.L().Info("pending_game_abort",
		zap.String("pending_id", pg.id),
		zap.String("cup", pg.cup.Name),
		zap.String("rejector", usernameOrEmpty(rejector)),
	)
	return nil
}

func (c *Coordinator) remove(pg *pendingGame) {
	c.mu.Lock()
	if cur, ok := c.games[pg.initiator.ID]; ok && cur == pg {
		delete(c.games, pg.initiator.ID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) resolve(ctx context.Context, names []string) ([]*domain.User, error) {
	users := make([]*domain.User, 0, len(names))
	for _, name := range names {
		u, err := c.store.UserByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return nil, chaterr.NewWithData(chaterr.UnavailablePlayer, name)
		}
		users = append(users, u)
	}
	return users, nil
}

// ratings fetches each participant's record, lazily creating the default one
// if it is ever missing (by invariant it exists from the join-cup flow).
func (c *Coordinator) ratings(ctx context.Context, users []*domain.User, cup *domain.Cup) ([]*domain.RatingRecord, error) {
	records := make([]*domain.RatingRecord, 0, len(users))
	for _, u := range users {
		r, err := c.store.RatingFor(ctx, u.ID, cup.ID)
		if err != nil {
			return nil, err
		}
		if r == nil {
			if err := c.store.CreateDefaultRating(ctx, u.ID, cup.ID, c.rcfg.Default); err != nil {
				return nil, err
			}
			if r, err = c.store.RatingFor(ctx, u.ID, cup.ID); err != nil {
				return nil, err
			}
		}
		records = append(records, r)
	}
	return records, nil
}

func (c *Coordinator) text(key string, data map[string]any) string {
	out, err := c.cat.Render(key, data)
	if err != nil {
		obslog.L().Warn("msgcat_render_error", zap.String("key", key), zap.Error(err))
		return key
	}
	return out
}

func (c *Coordinator) send(ctx context.Context, chatID int64, key string, data map[string]any) {
	if err := c.sender.SendText(ctx, chatID, c.text(key, data)); err != nil {
		obslog.L().Warn("send_error", zap.Int64("chat_id", chatID), zap.String("key", key), zap.Error(err))
	}
}

func (pg *pendingGame) awaiting() []string {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	var out []string
	for _, name := range pg.losers {
		if !contains(pg.confirmed, name) {
			out = append(out, name)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func unionSize(a, b []string) int {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	return len(set)
}

func userIDs(users []*domain.User) []int64 {
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids
}

func usernameOrEmpty(u *domain.User) string {
	if u == nil {
		return ""
	}
	return u.Username
}
