package bot

import (
	"context"
	"strings"

	"github.com/beercup/cup-bot/internal/chaterr"
	"github.com/beercup/cup-bot/internal/domain"
	"github.com/beercup/cup-bot/internal/session"
)

func (b *Bot) chooseGameCup(ctx context.Context, user *domain.User, text string) error {
	cup, err := b.store.CupByName(ctx, text)
	if err != nil {
		return err
	}
	if cup == nil {
		return b.cancelDialog(ctx, user, "game.new.no_match", nil)
	}

	attendees, err := b.store.Attendees(ctx, cup.ID)
	if err != nil {
		return err
	}
	if !attendsCup(attendees, user.ID) {
		return b.cancelDialog(ctx, user, "game.new.no_match", nil)
	}
	required := 2 * cup.Mode
	if len(attendees) < required {
		return chaterr.NewWithData(chaterr.TooFewPlayers, required)
	}

	if err := b.cache.Set(ctx, user.ID, session.RouteNewGame, session.NewGameDraft{CupName: cup.Name}); err != nil {
		return err
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateNewGameCupSet); err != nil {
		return err
	}
	prompt := b.text("game.new.prompt_winners", map[string]any{"Next": 1, "Mode": cup.Mode})
	b.sendChoices(ctx, user.TelegramID, prompt, attendeeNames(attendees), 2)
	return nil
}

func (b *Bot) pickWinner(ctx context.Context, user *domain.User, text string) error {
	draft, cup, attendees, err := b.loadGameDraft(ctx, user)
	if err != nil {
		return err
	}
	if !selectable(attendees, draft, text) {
		return chaterr.NewWithData(chaterr.UnavailablePlayer, text)
	}

	winners := append(draft.Winners, text)
	remaining := remainingNames(attendees, winners, draft.Losers)

	if len(winners) < cup.Mode {
		if err := b.cache.Merge(ctx, user.ID, session.RouteNewGame, map[string]any{"winners": winners}); err != nil {
			return err
		}
		prompt := b.text("game.new.prompt_winners", map[string]any{"Next": len(winners) + 1, "Mode": cup.Mode})
		b.sendChoices(ctx, user.TelegramID, prompt, remaining, 2)
		return nil
	}

	// Winning side complete. When exactly one full losing side is left over,
	// it is assigned without asking.
	if len(remaining) == cup.Mode {
		if err := b.cache.Merge(ctx, user.ID, session.RouteNewGame, map[string]any{
			"winners": winners,
			"losers":  remaining,
		}); err != nil {
			return err
		}
		return b.promptGameConfirm(ctx, user, winners, remaining)
	}

	if err := b.cache.Merge(ctx, user.ID, session.RouteNewGame, map[string]any{"winners": winners}); err != nil {
		return err
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateNewGameWinnersSet); err != nil {
		return err
	}
	prompt := b.text("game.new.prompt_losers", map[string]any{"Next": 1, "Mode": cup.Mode})
	b.sendChoices(ctx, user.TelegramID, prompt, remaining, 2)
	return nil
}

func (b *Bot) pickLoser(ctx context.Context, user *domain.User, text string) error {
	draft, cup, attendees, err := b.loadGameDraft(ctx, user)
	if err != nil {
		return err
	}
	if !selectable(attendees, draft, text) {
		return chaterr.NewWithData(chaterr.UnavailablePlayer, text)
	}

	losers := append(draft.Losers, text)
	if err := b.cache.Merge(ctx, user.ID, session.RouteNewGame, map[string]any{"losers": losers}); err != nil {
		return err
	}

	if len(losers) < cup.Mode {
		remaining := remainingNames(attendees, draft.Winners, losers)
		prompt := b.text("game.new.prompt_losers", map[string]any{"Next": len(losers) + 1, "Mode": cup.Mode})
		b.sendChoices(ctx, user.TelegramID, prompt, remaining, 2)
		return nil
	}

	return b.promptGameConfirm(ctx, user, draft.Winners, losers)
}

func (b *Bot) promptGameConfirm(ctx context.Context, user *domain.User, winners, losers []string) error {
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateNewGameLosersSet); err != nil {
		return err
	}
	prompt := b.text("game.new.confirm", map[string]any{
		"Winners": strings.Join(winners, ", "),
		"Losers":  strings.Join(losers, ", "),
	})
	b.sendChoices(ctx, user.TelegramID, prompt, []string{"ja", "nein"}, 2)
	return nil
}

func (b *Bot) confirmNewGame(ctx context.Context, user *domain.User, text string) error {
	affirmative, ok := parseYesNo(text)
	if !ok {
		b.send(ctx, user.TelegramID, "game.new.yes_or_no", nil)
		return nil
	}
	if !affirmative {
		return b.cancelDialog(ctx, user, "game.new.cancelled", nil)
	}

	var draft session.NewGameDraft
	if err := b.cache.Get(ctx, user.ID, session.RouteNewGame, &draft); err != nil {
		return err
	}
	cup, err := b.store.CupByName(ctx, draft.CupName)
	if err != nil {
		return err
	}
	if cup == nil {
		return chaterr.New(chaterr.CacheEmpty)
	}

	// The state moves before the broadcast: a loser replying instantly must
	// not find the initiator still in the confirmation dialog, and a
	// synchronous commit sets the initiator back to idle which this write
	// must not overwrite afterwards.
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateNewGameBroadcastSent); err != nil {
		return err
	}

	res, err := b.coord.Start(ctx, user, cup, draft.Winners, draft.Losers)
	if err != nil {
		_ = b.cache.Clear(ctx, user.ID)
		_ = b.store.UpdateUserState(ctx, user.ID, domain.StateOn)
		return err
	}
	if res.Committed {
		return nil
	}
	b.send(ctx, user.TelegramID, "game.new.broadcast_sent", map[string]any{
		"Pending": strings.Join(res.Awaiting, ", "),
	})
	return nil
}

func (b *Bot) receiveGameConfirmation(ctx context.Context, user *domain.User, text string) error {
	affirmative, ok := parseYesNo(text)
	if !ok {
		b.send(ctx, user.TelegramID, "game.new.yes_or_no", nil)
		return nil
	}
	return b.coord.Confirm(ctx, user, affirmative)
}

func (b *Bot) loadGameDraft(ctx context.Context, user *domain.User) (*session.NewGameDraft, *domain.Cup, []*domain.User, error) {
	var draft session.NewGameDraft
	if err := b.cache.Get(ctx, user.ID, session.RouteNewGame, &draft); err != nil {
		return nil, nil, nil, err
	}
	cup, err := b.store.CupByName(ctx, draft.CupName)
	if err != nil {
		return nil, nil, nil, err
	}
	if cup == nil {
		return nil, nil, nil, chaterr.New(chaterr.CacheEmpty)
	}
	attendees, err := b.store.Attendees(ctx, cup.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return &draft, cup, attendees, nil
}

func attendsCup(attendees []*domain.User, userID int64) bool {
	for _, a := range attendees {
		if a.ID == userID {
			return true
		}
	}
	return false
}

func selectable(attendees []*domain.User, draft *session.NewGameDraft, name string) bool {
	found := false
	for _, a := range attendees {
		if a.Username == name {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	for _, w := range draft.Winners {
		if w == name {
			return false
		}
	}
	for _, l := range draft.Losers {
		if l == name {
			return false
		}
	}
	return true
}

func attendeeNames(attendees []*domain.User) []string {
	names := make([]string, 0, len(attendees))
	for _, a := range attendees {
		names = append(names, a.Username)
	}
	return names
}

func remainingNames(attendees []*domain.User, winners, losers []string) []string {
	taken := make(map[string]struct{}, len(winners)+len(losers))
	for _, w := range winners {
		taken[w] = struct{}{}
	}
	for _, l := range losers {
		taken[l] = struct{}{}
	}
	var out []string
	for _, a := range attendees {
		if _, ok := taken[a.Username]; !ok {
			out = append(out, a.Username)
		}
	}
	return out
}
