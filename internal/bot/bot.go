// Package bot is the conversation state machine. Every inbound unit of user
// input is classified as a command or free text and dispatched through an
// explicit transition table; handlers read and write the session cache, call
// the entity store, and hand game recording off to the confirmation
// coordinator.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/beercup/cup-bot/internal/chaterr"
	"github.com/beercup/cup-bot/internal/domain"
	"github.com/beercup/cup-bot/internal/msgcat"
	"github.com/beercup/cup-bot/internal/obslog"
	"github.com/beercup/cup-bot/internal/pending"
	"github.com/beercup/cup-bot/internal/rating"
	"github.com/beercup/cup-bot/internal/session"
	"github.com/beercup/cup-bot/internal/store"
)

// Sender renders prompts and keyboards over the transport. The core only
// supplies plain text and an ordered list of selectable strings.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendTextWithChoices(ctx context.Context, chatID int64, text string, choices []string, columns int) error
}

// Inbound is one unit of user input.
type Inbound struct {
	TelegramID int64
	Username   string
	FirstName  string
	Text       string
	Raw        string // raw transport payload, echoed by /metadata
}

// Method expressions, so the tables read as plain data.
type commandHandler func(b *Bot, ctx context.Context, user *domain.User, in Inbound) error
type textHandler func(b *Bot, ctx context.Context, user *domain.User, text string) error

type Bot struct {
	store  store.Store
	cache  *session.Cache
	coord  *pending.Coordinator
	sender Sender
	cat    *msgcat.Catalog
	rcfg   rating.Config

	commands     map[string]commandHandler
	textHandlers map[domain.BotState]textHandler

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func New(st store.Store, cache *session.Cache, coord *pending.Coordinator, sender Sender, cat *msgcat.Catalog, rcfg rating.Config) *Bot {
	b := &Bot{
		store:  st,
		cache:  cache,
		coord:  coord,
		sender: sender,
		cat:    cat,
		rcfg:   rcfg,
		locks:  make(map[int64]*sync.Mutex),
	}

	b.commands = map[string]commandHandler{
		cmdStart:    (*Bot).startBot,
		cmdStop:     (*Bot).stopBot,
		cmdCancel:   (*Bot).cancel,
		cmdHelp:     (*Bot).sendHelp,
		cmdNewCup:   (*Bot).startNewCup,
		cmdJoinCup:  (*Bot).startJoinCup,
		cmdDelCup:   (*Bot).startDeleteCup,
		cmdNewGame:  (*Bot).startNewGame,
		cmdGetCups:  (*Bot).listJoinedCups,
		cmdMetadata: (*Bot).sendMetadata,
	}

	// State × free-text → handler. States missing here never see free text.
	b.textHandlers = map[domain.BotState]textHandler{
		domain.StateStartNewCup:       (*Bot).setCupMode,
		domain.StateNewCupTypeSet:     (*Bot).setCupName,
		domain.StateNewCupNameSet:     (*Bot).createCup,
		domain.StateJoinCup:           (*Bot).joinCup,
		domain.StateDelCup:            (*Bot).chooseDeleteCup,
		domain.StateDelCupConfirm:     (*Bot).confirmDeleteCup,
		domain.StateStartNewGame:      (*Bot).chooseGameCup,
		domain.StateNewGameCupSet:     (*Bot).pickWinner,
		domain.StateNewGameWinnersSet: (*Bot).pickLoser,
		domain.StateNewGameLosersSet:  (*Bot).confirmNewGame,
		domain.StateGameConfirmation:  (*Bot).receiveGameConfirmation,
	}

	return b
}

// HandleMessage processes one inbound message. Messages from the same user
// are serialized; a defect while handling is fatal for this message only.
func (b *Bot) HandleMessage(ctx context.Context, in Inbound) {
	lock := b.userLock(in.TelegramID)
	lock.Lock()
	defer lock.Unlock()

	defer func() {
		if r := recover(); r != nil {
			obslog.L().Error("handler_panic", zap.Int64("telegram_id", in.TelegramID), zap.Any("panic", r))
			b.send(ctx, in.TelegramID, "error.unknown", nil)
		}
	}()

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}

	var err error
	if strings.HasPrefix(text, "/") {
		err = b.handleCommand(ctx, in, text)
	} else {
		err = b.handleText(ctx, in, text)
	}
	if err != nil {
		b.handleError(ctx, in, err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, in Inbound, text string) error {
	name := strings.ToLower(strings.TrimPrefix(strings.Fields(text)[0], "/"))
	// Telegram appends the bot handle in group-style mentions.
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}

	if name == cmdStart {
		return b.startBot(ctx, nil, in)
	}

	user, err := b.store.UserByTelegramID(ctx, in.TelegramID)
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}
	if user.State == domain.StateOff {
		// /stop stays an idempotent no-op from OFF; everything else is ignored.
		return nil
	}

	obslog.L().Debug("command",
		zap.String("command", name),
		zap.String("user", user.Username),
		zap.Int("state", int(user.State)),
	)

	h, ok := b.commands[name]
	if !ok {
		return b.sendHelp(ctx, user, in)
	}
	return h(b, ctx, user, in)
}

func (b *Bot) handleText(ctx context.Context, in Inbound, text string) error {
	user, err := b.store.UserByTelegramID(ctx, in.TelegramID)
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}
	if !domain.AcceptsText(user.State) {
		// Silently discarded: no reply, no error.
		return nil
	}

	obslog.L().Debug("text",
		zap.String("user", user.Username),
		zap.Int("state", int(user.State)),
	)

	h, ok := b.textHandlers[user.State]
	if !ok {
		return &defectError{state: user.State}
	}
	return h(b, ctx, user, text)
}

// handleError is the single boundary between handler failures and the user.
// Typed errors map to catalog messages without moving the conversation
// further than the handler already did; anything else is logged in full,
// answered with the generic notice, and implicitly cancelled so the user is
// never stuck.
func (b *Bot) handleError(ctx context.Context, in Inbound, err error) {
	if ce, ok := chaterr.As(err); ok {
		key, data := messageFor(ce)
		b.send(ctx, in.TelegramID, key, data)
		if ce.Kind == chaterr.CacheEmpty || ce.Kind == chaterr.CacheInvalidFormat {
			b.implicitCancel(ctx, in)
		}
		return
	}

	obslog.L().Error("unexpected_error", zap.Int64("telegram_id", in.TelegramID), zap.Error(err))
	b.send(ctx, in.TelegramID, "error.unknown", nil)
	b.implicitCancel(ctx, in)
}

func (b *Bot) implicitCancel(ctx context.Context, in Inbound) {
	user, err := b.store.UserByTelegramID(ctx, in.TelegramID)
	if err != nil || user == nil || user.State == domain.StateOff {
		return
	}
	_ = b.cache.Clear(ctx, user.ID)
	_ = b.store.UpdateUserState(ctx, user.ID, domain.StateOn)
}

func messageFor(ce *chaterr.ChatError) (string, map[string]any) {
	switch ce.Kind {
	case chaterr.TooManyCharacters:
		return "error.too_many_characters", map[string]any{"Max": ce.Data}
	case chaterr.IllegalCharacter:
		return "error.illegal_character", map[string]any{"Allowed": ce.Data}
	case chaterr.InvalidDateFormat:
		return "error.invalid_date_format", map[string]any{"Format": ce.Data}
	case chaterr.InvalidDate:
		return "error.invalid_date", nil
	case chaterr.DuplicateName:
		return "error.duplicate_name", nil
	case chaterr.NoCups:
		return "error.no_cups", nil
	case chaterr.NoActiveCups:
		return "error.no_active_cups", nil
	case chaterr.NoJoinedCups:
		return "error.no_joined_cups", nil
	case chaterr.TooFewPlayers:
		return "error.too_few_players", map[string]any{"Required": ce.Data}
	case chaterr.UnavailablePlayer:
		return "error.unavailable_player", map[string]any{"Name": ce.Data}
	case chaterr.CacheEmpty, chaterr.CacheInvalidFormat:
		return "error.cache", nil
	case chaterr.InsufficientRights:
		return "error.insufficient_rights", map[string]any{"Role": ce.Data}
	default:
		return "error.illegal_action", nil
	}
}

func (b *Bot) userLock(telegramID int64) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l, ok := b.locks[telegramID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[telegramID] = l
	}
	return l
}

func (b *Bot) text(key string, data map[string]any) string {
	out, err := b.cat.Render(key, data)
	if err != nil {
		obslog.L().Warn("msgcat_render_error", zap.String("key", key), zap.Error(err))
		return key
	}
	return out
}

func (b *Bot) send(ctx context.Context, chatID int64, key string, data map[string]any) {
	if err := b.sender.SendText(ctx, chatID, b.text(key, data)); err != nil {
		obslog.L().Warn("send_error", zap.Int64("chat_id", chatID), zap.String("key", key), zap.Error(err))
	}
}

func (b *Bot) sendChoices(ctx context.Context, chatID int64, text string, choices []string, columns int) {
	if err := b.sender.SendTextWithChoices(ctx, chatID, text, choices, columns); err != nil {
		obslog.L().Warn("send_error", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// defectError marks a state/input combination with no defined handler.
type defectError struct {
	state domain.BotState
}

func (e *defectError) Error() string {
	return fmt.Sprintf("no text handler for state %d", int(e.state))
}
