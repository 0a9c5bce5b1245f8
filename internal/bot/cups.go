package bot

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/beercup/cup-bot/internal/chaterr"
	"github.com/beercup/cup-bot/internal/domain"
	"github.com/beercup/cup-bot/internal/obslog"
	"github.com/beercup/cup-bot/internal/session"
	"github.com/beercup/cup-bot/internal/store"
)

func (b *Bot) joinCup(ctx context.Context, user *domain.User, text string) error {
	joinable, err := b.joinableCups(ctx, user)
	if err != nil {
		// The cup set changed since the prompt; treat as a stale dialog.
		if chaterr.Is(err, chaterr.NoCups) || chaterr.Is(err, chaterr.NoActiveCups) {
			return b.cancelDialog(ctx, user, "cup.join.no_match", nil)
		}
		return err
	}

	var chosen *domain.Cup
	for _, c := range joinable {
		if c.Name == text {
			chosen = c
			break
		}
	}
	if chosen == nil {
		return b.cancelDialog(ctx, user, "cup.join.no_match", nil)
	}

	if err := b.store.AddAttendee(ctx, chosen.ID, user.ID); err != nil {
		return err
	}
	if err := b.store.CreateDefaultRating(ctx, user.ID, chosen.ID, b.rcfg.Default); err != nil && !errors.Is(err, store.ErrRatingExists) {
		return err
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateOn); err != nil {
		return err
	}

	obslog.L().Info("cup_joined", zap.String("cup", chosen.Name), zap.String("user", user.Username))
	b.send(ctx, user.TelegramID, "cup.join.joined", map[string]any{"Name": chosen.Name})
	return nil
}

func (b *Bot) chooseDeleteCup(ctx context.Context, user *domain.User, text string) error {
	owned, err := b.store.CupsOwnedBy(ctx, user.ID)
	if err != nil {
		return err
	}
	var chosen *domain.Cup
	for _, c := range owned {
		if c.Name == text {
			chosen = c
			break
		}
	}
	if chosen == nil {
		return b.cancelDialog(ctx, user, "cup.delete.no_match", nil)
	}

	draft := session.DeleteCupDraft{CupID: chosen.ID, Name: chosen.Name}
	if err := b.cache.Set(ctx, user.ID, session.RouteDeleteCup, draft); err != nil {
		return err
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateDelCupConfirm); err != nil {
		return err
	}
	b.send(ctx, user.TelegramID, "cup.delete.confirm", map[string]any{
		"Name":   chosen.Name,
		"Phrase": deleteConfirmPhrase,
	})
	return nil
}

// confirmDeleteCup requires the exact confirmation phrase; anything else
// keeps the cup and ends the dialog.
func (b *Bot) confirmDeleteCup(ctx context.Context, user *domain.User, text string) error {
	var draft session.DeleteCupDraft
	if err := b.cache.Get(ctx, user.ID, session.RouteDeleteCup, &draft); err != nil {
		return err
	}

	if text != deleteConfirmPhrase {
		return b.cancelDialog(ctx, user, "cup.delete.cancelled", nil)
	}

	if err := b.store.DeleteCup(ctx, draft.CupID); err != nil {
		return err
	}
	if err := b.cache.Clear(ctx, user.ID); err != nil {
		return err
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateOn); err != nil {
		return err
	}

	obslog.L().Info("cup_deleted", zap.String("cup", draft.Name), zap.String("manager", user.Username))
	b.send(ctx, user.TelegramID, "cup.delete.deleted", map[string]any{"Name": draft.Name})
	return nil
}

// cancelDialog ends the active dialog with a message instead of an error:
// cache cleared, conversation back to idle.
func (b *Bot) cancelDialog(ctx context.Context, user *domain.User, key string, data map[string]any) error {
	if err := b.cache.Clear(ctx, user.ID); err != nil {
		return err
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateOn); err != nil {
		return err
	}
	b.send(ctx, user.TelegramID, key, data)
	return nil
}
