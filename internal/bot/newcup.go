package bot

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/beercup/cup-bot/internal/chaterr"
	"github.com/beercup/cup-bot/internal/domain"
	"github.com/beercup/cup-bot/internal/obslog"
	"github.com/beercup/cup-bot/internal/session"
	"github.com/beercup/cup-bot/internal/store"
)

func (b *Bot) setCupMode(ctx context.Context, user *domain.User, text string) error {
	mode, ok := parseMode(text)
	if !ok {
		b.sendChoices(ctx, user.TelegramID, b.text("cup.new.invalid_mode", nil), modeChoices(), len(modeLabels))
		return nil
	}
	if err := b.cache.Set(ctx, user.ID, session.RouteNewCup, session.NewCupDraft{Mode: mode}); err != nil {
		return err
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateNewCupTypeSet); err != nil {
		return err
	}
	b.send(ctx, user.TelegramID, "cup.new.prompt_name", nil)
	return nil
}

func (b *Bot) setCupName(ctx context.Context, user *domain.User, text string) error {
	if !nameRegexp.MatchString(text) {
		return chaterr.NewWithData(chaterr.IllegalCharacter, allowedChars)
	}
	if len([]rune(text)) > maxNameLength {
		return chaterr.NewWithData(chaterr.TooManyCharacters, maxNameLength)
	}
	existing, err := b.store.CupByName(ctx, text)
	if err != nil {
		return err
	}
	if existing != nil {
		return chaterr.New(chaterr.DuplicateName)
	}

	if err := b.cache.Merge(ctx, user.ID, session.RouteNewCup, map[string]any{"name": text}); err != nil {
		return err
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateNewCupNameSet); err != nil {
		return err
	}
	b.send(ctx, user.TelegramID, "cup.new.prompt_date", map[string]any{"Format": dateFormat})
	return nil
}

func (b *Bot) createCup(ctx context.Context, user *domain.User, text string) error {
	var draft session.NewCupDraft
	if err := b.cache.Get(ctx, user.ID, session.RouteNewCup, &draft); err != nil {
		return err
	}

	day, err := time.Parse(dateFormat, text)
	if err != nil {
		return chaterr.NewWithData(chaterr.InvalidDateFormat, dateFormat)
	}
	end := endOfDay(day)
	now := time.Now()
	if !end.After(now) {
		return chaterr.New(chaterr.InvalidDate)
	}

	cup := &domain.Cup{
		Name:      draft.Name,
		Mode:      draft.Mode,
		ManagerID: user.ID,
		StartAt:   now,
		EndAt:     end,
	}
	if err := b.store.CreateCup(ctx, cup); err != nil {
		if errors.Is(err, store.ErrDuplicateCupName) {
			return chaterr.New(chaterr.DuplicateName)
		}
		return err
	}
	if err := b.store.AddAttendee(ctx, cup.ID, user.ID); err != nil {
		return err
	}
	if err := b.store.CreateDefaultRating(ctx, user.ID, cup.ID, b.rcfg.Default); err != nil && !errors.Is(err, store.ErrRatingExists) {
		return err
	}

	if err := b.cache.Clear(ctx, user.ID); err != nil {
		return err
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateOn); err != nil {
		return err
	}

	obslog.L().Info("cup_created",
		zap.String("cup", cup.Name),
		zap.Int("mode", cup.Mode),
		zap.String("manager", user.Username),
		zap.Time("end_at", cup.EndAt),
	)
	b.send(ctx, user.TelegramID, "cup.new.created", map[string]any{
		"Name": cup.Name,
		"End":  cup.EndAt.Format(dateFormatExtended),
	})
	return nil
}
