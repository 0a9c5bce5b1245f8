package bot

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/beercup/cup-bot/internal/chaterr"
	"github.com/beercup/cup-bot/internal/domain"
	"github.com/beercup/cup-bot/internal/obslog"
)

// startBot is the only handler reachable without a registered, switched-on
// user; it receives user == nil and does its own lookup.
func (b *Bot) startBot(ctx context.Context, _ *domain.User, in Inbound) error {
	if in.Username == "" {
		b.send(ctx, in.TelegramID, "start.username_required", nil)
		return nil
	}

	user, err := b.store.UserByTelegramID(ctx, in.TelegramID)
	if err != nil {
		return err
	}

	if user == nil {
		user = &domain.User{
			TelegramID: in.TelegramID,
			Username:   in.Username,
			State:      domain.StateOn,
		}
		if err := b.store.CreateUser(ctx, user); err != nil {
			return err
		}
		_ = b.cache.Clear(ctx, user.ID)
		obslog.L().Info("user_registered", zap.String("user", user.Username))
		b.send(ctx, in.TelegramID, "greeting.initial", map[string]any{"Name": displayName(in)})
		return nil
	}

	if user.State == domain.StateOff {
		if err := b.store.UpdateUserState(ctx, user.ID, domain.StateOn); err != nil {
			return err
		}
		_ = b.cache.Clear(ctx, user.ID)
		b.sendRandom(ctx, in.TelegramID, "greeting.returning", map[string]any{"Name": displayName(in)})
		return nil
	}

	return b.sendHelp(ctx, user, in)
}

func (b *Bot) stopBot(ctx context.Context, user *domain.User, in Inbound) error {
	_ = b.cache.Clear(ctx, user.ID)
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateOff); err != nil {
		return err
	}
	b.sendRandom(ctx, in.TelegramID, "farewell", map[string]any{"Name": displayName(in)})
	return nil
}

func (b *Bot) cancel(ctx context.Context, user *domain.User, in Inbound) error {
	if user.State == domain.StateOn {
		b.send(ctx, in.TelegramID, "cancel.nothing", nil)
		return nil
	}
	if err := b.cache.Clear(ctx, user.ID); err != nil {
		return err
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateOn); err != nil {
		return err
	}
	b.send(ctx, in.TelegramID, "cancel.done", nil)
	return nil
}

func (b *Bot) sendHelp(ctx context.Context, _ *domain.User, in Inbound) error {
	b.send(ctx, in.TelegramID, "help", nil)
	return nil
}

// sendMetadata echoes the raw transport payload, useful when debugging what
// the transport actually delivers.
func (b *Bot) sendMetadata(ctx context.Context, _ *domain.User, in Inbound) error {
	return b.sender.SendText(ctx, in.TelegramID, in.Raw)
}

func (b *Bot) listJoinedCups(ctx context.Context, user *domain.User, in Inbound) error {
	cups, err := b.store.CupsAttendedBy(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(cups) == 0 {
		return chaterr.New(chaterr.NoJoinedCups)
	}
	lines, err := b.cupLines(ctx, "cup.list.line", cups)
	if err != nil {
		return err
	}
	return b.sender.SendText(ctx, in.TelegramID, strings.Join(lines, "\n"))
}

func (b *Bot) startNewCup(ctx context.Context, user *domain.User, in Inbound) error {
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateStartNewCup); err != nil {
		return err
	}
	b.sendChoices(ctx, in.TelegramID, b.text("cup.new.prompt_mode", nil), modeChoices(), len(modeLabels))
	return nil
}

func (b *Bot) startJoinCup(ctx context.Context, user *domain.User, in Inbound) error {
	joinable, err := b.joinableCups(ctx, user)
	if err != nil {
		return err
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateJoinCup); err != nil {
		return err
	}
	lines, err := b.cupLines(ctx, "cup.join.line", joinable)
	if err != nil {
		return err
	}
	prompt := strings.Join(lines, "\n") + "\n" + b.text("cup.join.prompt", nil)
	b.sendChoices(ctx, in.TelegramID, prompt, cupNames(joinable), 1)
	return nil
}

func (b *Bot) startDeleteCup(ctx context.Context, user *domain.User, in Inbound) error {
	owned, err := b.store.CupsOwnedBy(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(owned) == 0 {
		b.send(ctx, in.TelegramID, "cup.delete.none", nil)
		return nil
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateDelCup); err != nil {
		return err
	}
	b.sendChoices(ctx, in.TelegramID, b.text("cup.delete.prompt", nil), cupNames(owned), 1)
	return nil
}

func (b *Bot) startNewGame(ctx context.Context, user *domain.User, in Inbound) error {
	cups, err := b.store.CupsAttendedBy(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(cups) == 0 {
		return chaterr.New(chaterr.NoJoinedCups)
	}
	if len(cups) == 1 {
		// Only one possible cup, skip the selection step.
		return b.chooseGameCup(ctx, user, cups[0].Name)
	}
	if err := b.store.UpdateUserState(ctx, user.ID, domain.StateStartNewGame); err != nil {
		return err
	}
	b.sendChoices(ctx, in.TelegramID, b.text("game.new.prompt_cup", nil), cupNames(cups), 1)
	return nil
}

// joinableCups returns the cups still running that the user has not joined.
func (b *Bot) joinableCups(ctx context.Context, user *domain.User) ([]*domain.Cup, error) {
	active, err := b.store.CupsEndingAfter(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, chaterr.New(chaterr.NoCups)
	}
	attended, err := b.store.CupsAttendedBy(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	joined := make(map[int64]struct{}, len(attended))
	for _, c := range attended {
		joined[c.ID] = struct{}{}
	}
	var joinable []*domain.Cup
	for _, c := range active {
		if _, ok := joined[c.ID]; !ok {
			joinable = append(joinable, c)
		}
	}
	if len(joinable) == 0 {
		return nil, chaterr.New(chaterr.NoActiveCups)
	}
	return joinable, nil
}

func (b *Bot) cupLines(ctx context.Context, key string, cups []*domain.Cup) ([]string, error) {
	lines := make([]string, 0, len(cups))
	for _, c := range cups {
		manager, err := b.store.UserByID(ctx, c.ManagerID)
		if err != nil {
			return nil, err
		}
		managerName := ""
		if manager != nil {
			managerName = manager.Username
		}
		lines = append(lines, b.text(key, map[string]any{
			"Name":    c.Name,
			"Manager": managerName,
			"End":     c.EndAt.Format(dateFormatExtended),
		}))
	}
	return lines, nil
}

func (b *Bot) sendRandom(ctx context.Context, chatID int64, prefix string, data map[string]any) {
	out, err := b.cat.RenderRandom(prefix, data)
	if err != nil {
		obslog.L().Warn("msgcat_render_error", zap.String("key", prefix), zap.Error(err))
		out = prefix
	}
	if err := b.sender.SendText(ctx, chatID, out); err != nil {
		obslog.L().Warn("send_error", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func cupNames(cups []*domain.Cup) []string {
	names := make([]string, 0, len(cups))
	for _, c := range cups {
		names = append(names, c.Name)
	}
	return names
}

func displayName(in Inbound) string {
	if in.FirstName != "" {
		return in.FirstName
	}
	return in.Username
}
