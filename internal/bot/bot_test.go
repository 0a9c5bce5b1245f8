package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beercup/cup-bot/internal/domain"
	"github.com/beercup/cup-bot/internal/msgcat"
	"github.com/beercup/cup-bot/internal/pending"
	"github.com/beercup/cup-bot/internal/rating"
	"github.com/beercup/cup-bot/internal/session"
	"github.com/beercup/cup-bot/internal/store"
)

// fakeSender records outgoing messages per chat instead of hitting Telegram.
type fakeSender struct {
	mu       sync.Mutex
	messages map[int64][]string
}

func newFakeSender() *fakeSender {
	return &fakeSender{messages: make(map[int64][]string)}
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[chatID] = append(f.messages[chatID], text)
	return nil
}

func (f *fakeSender) SendTextWithChoices(_ context.Context, chatID int64, text string, choices []string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[chatID] = append(f.messages[chatID], text+"\n["+strings.Join(choices, "|")+"]")
	return nil
}

func (f *fakeSender) last(chatID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[chatID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func (f *fakeSender) count(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[chatID])
}

type harness struct {
	bot    *Bot
	store  store.Store
	cache  *session.Cache
	sender *fakeSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, store.NewMemory())
}

func newHarnessWith(t *testing.T, st store.Store) *harness {
	t.Helper()
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat.New: %v", err)
	}
	cache := session.NewCache(session.NewMemoryStore())
	sender := newFakeSender()
	rcfg := rating.DefaultConfig()
	coord := pending.NewCoordinator(st, cache, sender, cat, rcfg)
	return &harness{
		bot:    New(st, cache, coord, sender, cat, rcfg),
		store:  st,
		cache:  cache,
		sender: sender,
	}
}

func (h *harness) say(t *testing.T, telegramID int64, username, text string) {
	t.Helper()
	h.bot.HandleMessage(context.Background(), Inbound{
		TelegramID: telegramID,
		Username:   username,
		Text:       text,
	})
}

func (h *harness) mustUser(t *testing.T, telegramID int64) *domain.User {
	t.Helper()
	u, err := h.store.UserByTelegramID(context.Background(), telegramID)
	if err != nil {
		t.Fatalf("UserByTelegramID: %v", err)
	}
	if u == nil {
		t.Fatalf("no user for telegram id %d", telegramID)
	}
	return u
}

// register runs /start and asserts the user ends up switched on.
func (h *harness) register(t *testing.T, telegramID int64, username string) *domain.User {
	t.Helper()
	h.say(t, telegramID, username, "/start")
	u := h.mustUser(t, telegramID)
	if u.State != domain.StateOn {
		t.Fatalf("state after /start = %d, want ON", int(u.State))
	}
	return u
}

// createCup walks the whole newcup dialog.
func (h *harness) createCup(t *testing.T, telegramID int64, username, modeLabel, name string) *domain.Cup {
	t.Helper()
	h.say(t, telegramID, username, "/newcup")
	h.say(t, telegramID, username, modeLabel)
	h.say(t, telegramID, username, name)
	h.say(t, telegramID, username, "31.12.2099")
	cup, err := h.store.CupByName(context.Background(), name)
	if err != nil {
		t.Fatalf("CupByName: %v", err)
	}
	if cup == nil {
		t.Fatalf("cup %q was not created; last reply: %q", name, h.sender.last(telegramID))
	}
	return cup
}

func (h *harness) joinCup(t *testing.T, telegramID int64, username, cupName string) {
	t.Helper()
	h.say(t, telegramID, username, "/joincup")
	h.say(t, telegramID, username, cupName)
}

func TestStartRequiresUsername(t *testing.T) {
	h := newHarness(t)
	h.say(t, 100, "", "/start")
	if !strings.Contains(h.sender.last(100), "Benutzernamen") {
		t.Fatalf("got %q, want username-required notice", h.sender.last(100))
	}
	u, err := h.store.UserByTelegramID(context.Background(), 100)
	if err != nil {
		t.Fatalf("UserByTelegramID: %v", err)
	}
	if u != nil {
		t.Fatalf("user registered without username: %+v", u)
	}
}

func TestStartRegistersAndGreets(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	if !strings.Contains(h.sender.last(100), "anna") {
		t.Fatalf("greeting %q does not address the user", h.sender.last(100))
	}
}

func TestFreeTextWhileIdleIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	before := h.sender.count(100)
	h.say(t, 100, "anna", "hallo bot")
	if h.sender.count(100) != before {
		t.Fatalf("idle free text produced a reply: %q", h.sender.last(100))
	}
}

func TestStopAndRestart(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	h.say(t, 100, "anna", "/stop")
	if got := h.mustUser(t, 100).State; got != domain.StateOff {
		t.Fatalf("state after /stop = %d, want OFF", int(got))
	}
	// Commands other than /start are ignored while off.
	before := h.sender.count(100)
	h.say(t, 100, "anna", "/help")
	if h.sender.count(100) != before {
		t.Fatalf("command while off produced a reply")
	}
	h.say(t, 100, "anna", "/start")
	if got := h.mustUser(t, 100).State; got != domain.StateOn {
		t.Fatalf("state after restart = %d, want ON", int(got))
	}
}

func TestNewCupDialog(t *testing.T) {
	h := newHarness(t)
	anna := h.register(t, 100, "anna")
	cup := h.createCup(t, 100, "anna", "2 vs 2", "Donnerstags Cup")

	if cup.Mode != 2 {
		t.Fatalf("mode = %d, want 2", cup.Mode)
	}
	if cup.ManagerID != anna.ID {
		t.Fatalf("manager = %d, want %d", cup.ManagerID, anna.ID)
	}
	if cup.EndAt.Hour() != 23 || cup.EndAt.Minute() != 59 {
		t.Fatalf("end date %v was not promoted to end of day", cup.EndAt)
	}

	attendees, err := h.store.Attendees(context.Background(), cup.ID)
	if err != nil {
		t.Fatalf("Attendees: %v", err)
	}
	if len(attendees) != 1 || attendees[0].ID != anna.ID {
		t.Fatalf("manager is not an attendee: %v", attendees)
	}
	r, err := h.store.RatingFor(context.Background(), anna.ID, cup.ID)
	if err != nil {
		t.Fatalf("RatingFor: %v", err)
	}
	if r == nil || r.Rating != 1000 {
		t.Fatalf("default rating = %+v, want 1000", r)
	}
	if got := h.mustUser(t, 100).State; got != domain.StateOn {
		t.Fatalf("state after dialog = %d, want ON", int(got))
	}
}

func TestNewCupRejectsBadNames(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	h.say(t, 100, "anna", "/newcup")
	h.say(t, 100, "anna", "1 vs 1")

	h.say(t, 100, "anna", "Cup!?")
	if !strings.Contains(h.sender.last(100), "Unerlaubte Schriftzeichen") {
		t.Fatalf("got %q, want illegal-character notice", h.sender.last(100))
	}
	h.say(t, 100, "anna", strings.Repeat("a", 33))
	if !strings.Contains(h.sender.last(100), "kürzeren Namen") {
		t.Fatalf("got %q, want too-long notice", h.sender.last(100))
	}
	// The dialog survives validation errors.
	h.say(t, 100, "anna", "Gültiger Name")
	if got := h.mustUser(t, 100).State; got != domain.StateNewCupNameSet {
		t.Fatalf("state = %d, want name-set", int(got))
	}
}

func TestNewCupRejectsBadDates(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	h.say(t, 100, "anna", "/newcup")
	h.say(t, 100, "anna", "1 vs 1")
	h.say(t, 100, "anna", "Sommercup")

	h.say(t, 100, "anna", "2099-12-31")
	if !strings.Contains(h.sender.last(100), "Format") {
		t.Fatalf("got %q, want format notice", h.sender.last(100))
	}
	h.say(t, 100, "anna", "01.01.2001")
	if !strings.Contains(h.sender.last(100), "Zukunft") {
		t.Fatalf("got %q, want future-date notice", h.sender.last(100))
	}
	h.say(t, 100, "anna", "31.12.2099")
	if cup, _ := h.store.CupByName(context.Background(), "Sommercup"); cup == nil {
		t.Fatal("cup not created after valid date")
	}
}

func TestDuplicateCupName(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	h.createCup(t, 100, "anna", "1 vs 1", "Sommercup")

	h.say(t, 100, "anna", "/newcup")
	h.say(t, 100, "anna", "1 vs 1")
	h.say(t, 100, "anna", "Sommercup")
	if !strings.Contains(h.sender.last(100), "bereits vergeben") {
		t.Fatalf("got %q, want duplicate-name notice", h.sender.last(100))
	}
}

func TestJoinCup(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	cup := h.createCup(t, 100, "anna", "1 vs 1", "Sommercup")

	ben := h.register(t, 101, "ben")
	h.joinCup(t, 101, "ben", "Sommercup")

	attendees, err := h.store.Attendees(context.Background(), cup.ID)
	if err != nil {
		t.Fatalf("Attendees: %v", err)
	}
	if len(attendees) != 2 {
		t.Fatalf("got %d attendees, want 2", len(attendees))
	}
	r, err := h.store.RatingFor(context.Background(), ben.ID, cup.ID)
	if err != nil {
		t.Fatalf("RatingFor: %v", err)
	}
	if r == nil || r.Rating != 1000 {
		t.Fatalf("joiner rating = %+v, want 1000", r)
	}
}

func TestJoinCupNothingToJoin(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	h.say(t, 100, "anna", "/joincup")
	if !strings.Contains(h.sender.last(100), "keine Cups") {
		t.Fatalf("got %q, want no-cups notice", h.sender.last(100))
	}

	h.createCup(t, 100, "anna", "1 vs 1", "Sommercup")
	// The manager already attends the only cup.
	h.say(t, 100, "anna", "/joincup")
	if !strings.Contains(h.sender.last(100), "keinen Cup, dem du beitreten kannst") {
		t.Fatalf("got %q, want no-active-cups notice", h.sender.last(100))
	}
}

func TestCancelDialog(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	h.say(t, 100, "anna", "/cancel")
	if !strings.Contains(h.sender.last(100), "nichts abzubrechen") {
		t.Fatalf("got %q, want nothing-to-cancel", h.sender.last(100))
	}

	h.say(t, 100, "anna", "/newcup")
	h.say(t, 100, "anna", "/cancel")
	if got := h.mustUser(t, 100).State; got != domain.StateOn {
		t.Fatalf("state after cancel = %d, want ON", int(got))
	}
	if !strings.Contains(h.sender.last(100), "abgebrochen") {
		t.Fatalf("got %q, want cancelled notice", h.sender.last(100))
	}
}

func TestDeleteCupDialog(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	cup := h.createCup(t, 100, "anna", "1 vs 1", "Sommercup")

	h.say(t, 100, "anna", "/delcup")
	h.say(t, 100, "anna", "Sommercup")
	// Anything but the confirmation phrase keeps the cup.
	h.say(t, 100, "anna", "ja")
	if c, _ := h.store.CupByName(context.Background(), "Sommercup"); c == nil {
		t.Fatal("cup deleted without confirmation phrase")
	}

	h.say(t, 100, "anna", "/delcup")
	h.say(t, 100, "anna", "Sommercup")
	h.say(t, 100, "anna", "LÖSCHEN")
	if c, _ := h.store.CupByName(context.Background(), "Sommercup"); c != nil {
		t.Fatal("cup survived confirmed delete")
	}
	if games, _ := h.store.GamesByCup(context.Background(), cup.ID); len(games) != 0 {
		t.Fatalf("games survived cup delete")
	}
}

func TestDeleteCupRequiresOwnership(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	h.createCup(t, 100, "anna", "1 vs 1", "Sommercup")
	h.register(t, 101, "ben")

	h.say(t, 101, "ben", "/delcup")
	if !strings.Contains(h.sender.last(101), "verwaltest keinen Cup") {
		t.Fatalf("got %q, want no-owned-cups notice", h.sender.last(101))
	}
}

// setupGame registers anna and ben in a 1v1 cup and walks anna through
// /newgame up to the winner/loser confirmation question.
func setupGame(t *testing.T, h *harness) *domain.Cup {
	t.Helper()
	h.register(t, 100, "anna")
	cup := h.createCup(t, 100, "anna", "1 vs 1", "Sommercup")
	h.register(t, 101, "ben")
	h.joinCup(t, 101, "ben", "Sommercup")

	h.say(t, 100, "anna", "/newgame")
	// Single attended cup: the selection step is skipped, anna picks the
	// winner directly. Ben is the only remaining player and becomes the
	// loser automatically.
	h.say(t, 100, "anna", "anna")
	if !strings.Contains(h.sender.last(100), "Stimmt das?") {
		t.Fatalf("got %q, want confirmation question", h.sender.last(100))
	}
	return cup
}

func TestNewGameCommitFlow(t *testing.T) {
	h := newHarness(t)
	cup := setupGame(t, h)

	h.say(t, 100, "anna", "ja")
	if !strings.Contains(h.sender.last(100), "Bestätigung von: ben") {
		t.Fatalf("got %q, want awaiting-ben notice", h.sender.last(100))
	}
	if got := h.mustUser(t, 101).State; got != domain.StateGameConfirmation {
		t.Fatalf("ben state = %d, want confirmation", int(got))
	}
	if !strings.Contains(h.sender.last(101), "Bestätigst du das Ergebnis?") {
		t.Fatalf("ben prompt = %q", h.sender.last(101))
	}

	h.say(t, 101, "ben", "ja")

	games, err := h.store.GamesByCup(context.Background(), cup.ID)
	if err != nil {
		t.Fatalf("GamesByCup: %v", err)
	}
	if len(games) != 1 {
		t.Fatalf("got %d games, want 1", len(games))
	}
	anna := h.mustUser(t, 100)
	ben := h.mustUser(t, 101)
	ra, _ := h.store.RatingFor(context.Background(), anna.ID, cup.ID)
	rb, _ := h.store.RatingFor(context.Background(), ben.ID, cup.ID)
	if ra.Rating != 1010 || rb.Rating != 990 {
		t.Fatalf("ratings = %v/%v, want 1010/990", ra.Rating, rb.Rating)
	}
	if anna.State != domain.StateOn || ben.State != domain.StateOn {
		t.Fatalf("states after commit = %d/%d, want ON/ON", int(anna.State), int(ben.State))
	}
}

func TestNewGameRejection(t *testing.T) {
	h := newHarness(t)
	cup := setupGame(t, h)

	h.say(t, 100, "anna", "ja")
	h.say(t, 101, "ben", "nein")

	games, err := h.store.GamesByCup(context.Background(), cup.ID)
	if err != nil {
		t.Fatalf("GamesByCup: %v", err)
	}
	if len(games) != 0 {
		t.Fatalf("rejected game was persisted")
	}
	if !strings.Contains(h.sender.last(100), "abgelehnt") {
		t.Fatalf("initiator notice = %q, want rejection", h.sender.last(100))
	}
	anna := h.mustUser(t, 100)
	ben := h.mustUser(t, 101)
	if anna.State != domain.StateOn || ben.State != domain.StateOn {
		t.Fatalf("states after rejection = %d/%d, want ON/ON", int(anna.State), int(ben.State))
	}
	ra, _ := h.store.RatingFor(context.Background(), anna.ID, cup.ID)
	if ra.Rating != 1000 {
		t.Fatalf("rating mutated by rejected game: %v", ra.Rating)
	}
}

func TestNewGameCancelBeforeBroadcast(t *testing.T) {
	h := newHarness(t)
	cup := setupGame(t, h)

	h.say(t, 100, "anna", "nein")
	if !strings.Contains(h.sender.last(100), "nicht gewertet") {
		t.Fatalf("got %q, want not-recorded notice", h.sender.last(100))
	}
	if games, _ := h.store.GamesByCup(context.Background(), cup.ID); len(games) != 0 {
		t.Fatalf("cancelled game was persisted")
	}
	if got := h.mustUser(t, 101).State; got != domain.StateOn {
		t.Fatalf("ben was parked for a cancelled game")
	}
}

func TestNewGameAutoConfirmsOfflineLoser(t *testing.T) {
	h := newHarness(t)
	cup := setupGame(t, h)
	h.say(t, 101, "ben", "/stop")

	h.say(t, 100, "anna", "ja")

	games, err := h.store.GamesByCup(context.Background(), cup.ID)
	if err != nil {
		t.Fatalf("GamesByCup: %v", err)
	}
	if len(games) != 1 {
		t.Fatalf("offline loser did not auto-confirm; got %d games", len(games))
	}
	if got := h.mustUser(t, 101).State; got != domain.StateOff {
		t.Fatalf("ben state = %d, want still OFF", int(got))
	}
}

func TestNewGameRequiresEnoughPlayers(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	h.createCup(t, 100, "anna", "2 vs 2", "Großer Cup")
	h.register(t, 101, "ben")
	h.joinCup(t, 101, "ben", "Großer Cup")

	h.say(t, 100, "anna", "/newgame")
	if !strings.Contains(h.sender.last(100), "zu wenige Spieler") {
		t.Fatalf("got %q, want too-few-players notice", h.sender.last(100))
	}
}

func TestNewGameUnknownPlayerPick(t *testing.T) {
	h := newHarness(t)
	setupGame(t, h)
	// setupGame already picked anna; restart to pick an outsider instead.
	h.say(t, 100, "anna", "/cancel")
	h.say(t, 100, "anna", "/newgame")
	h.say(t, 100, "anna", "charlie")
	if !strings.Contains(h.sender.last(100), "steht nicht zur Auswahl") {
		t.Fatalf("got %q, want unavailable-player notice", h.sender.last(100))
	}
	// The dialog stays open for a valid pick.
	if got := h.mustUser(t, 100).State; got != domain.StateNewGameCupSet {
		t.Fatalf("state = %d, want cup-set", int(got))
	}
}

func TestGameConfirmationYesOrNoReprompt(t *testing.T) {
	h := newHarness(t)
	setupGame(t, h)
	h.say(t, 100, "anna", "ja")

	h.say(t, 101, "ben", "vielleicht")
	if !strings.Contains(h.sender.last(101), "ja oder nein") {
		t.Fatalf("got %q, want yes-or-no reprompt", h.sender.last(101))
	}
	if got := h.mustUser(t, 101).State; got != domain.StateGameConfirmation {
		t.Fatalf("unparseable reply moved ben out of confirmation")
	}
}

// brokenRecordStore makes game persistence fail on demand.
type brokenRecordStore struct {
	store.Store
	fail bool
}

func (b *brokenRecordStore) RecordGame(ctx context.Context, g *domain.Game, updates []store.RatingUpdate) error {
	if b.fail {
		return errors.New("record game: connection reset")
	}
	return b.Store.RecordGame(ctx, g, updates)
}

func TestCommitFailureReleasesEveryone(t *testing.T) {
	broken := &brokenRecordStore{Store: store.NewMemory(), fail: true}
	h := newHarnessWith(t, broken)

	h.register(t, 100, "anna")
	cup := h.createCup(t, 100, "anna", "1 vs 1", "Sommercup")
	h.register(t, 101, "ben")
	h.joinCup(t, 101, "ben", "Sommercup")

	h.say(t, 100, "anna", "/newgame")
	h.say(t, 100, "anna", "anna")
	h.say(t, 100, "anna", "ja")
	h.say(t, 101, "ben", "ja")

	if games, _ := h.store.GamesByCup(context.Background(), cup.ID); len(games) != 0 {
		t.Fatalf("game persisted despite store failure")
	}
	// Nobody may stay parked after the failure.
	anna := h.mustUser(t, 100)
	ben := h.mustUser(t, 101)
	if anna.State != domain.StateOn || ben.State != domain.StateOn {
		t.Fatalf("states after failed commit = %d/%d, want ON/ON", int(anna.State), int(ben.State))
	}
	if !strings.Contains(h.sender.last(101), "unbekannter Fehler") {
		t.Fatalf("ben reply = %q, want generic error notice", h.sender.last(101))
	}

	// The aggregate must be gone: once the store recovers, the same
	// initiator can record the game again and it commits cleanly.
	broken.fail = false
	h.say(t, 100, "anna", "/newgame")
	h.say(t, 100, "anna", "anna")
	if !strings.Contains(h.sender.last(100), "Stimmt das?") {
		t.Fatalf("retry blocked: %q", h.sender.last(100))
	}
	h.say(t, 100, "anna", "ja")
	h.say(t, 101, "ben", "ja")
	if games, _ := h.store.GamesByCup(context.Background(), cup.ID); len(games) != 1 {
		t.Fatalf("retry after recovery did not commit")
	}
}

// setupTeamGame registers four players in a 2v2 cup and walks anna through
// /newgame: she picks herself and ben as winners; carla and dora are the
// only players left and become the losing team automatically.
func setupTeamGame(t *testing.T, h *harness) *domain.Cup {
	t.Helper()
	h.register(t, 100, "anna")
	cup := h.createCup(t, 100, "anna", "2 vs 2", "Teamcup")
	for i, name := range []string{"ben", "carla", "dora"} {
		h.register(t, int64(101+i), name)
		h.joinCup(t, int64(101+i), name, "Teamcup")
	}

	h.say(t, 100, "anna", "/newgame")
	h.say(t, 100, "anna", "anna")
	h.say(t, 100, "anna", "ben")
	if !strings.Contains(h.sender.last(100), "Stimmt das?") {
		t.Fatalf("got %q, want confirmation question", h.sender.last(100))
	}
	return cup
}

func TestTeamGameQuorumCommit(t *testing.T) {
	h := newHarness(t)
	cup := setupTeamGame(t, h)

	h.say(t, 100, "anna", "ja")
	last := h.sender.last(100)
	if !strings.Contains(last, "carla") || !strings.Contains(last, "dora") {
		t.Fatalf("awaiting notice %q does not name both losers", last)
	}

	h.say(t, 102, "carla", "ja")
	if games, _ := h.store.GamesByCup(context.Background(), cup.ID); len(games) != 0 {
		t.Fatalf("game committed below quorum")
	}
	if !strings.Contains(h.sender.last(102), "vermerkt") {
		t.Fatalf("carla reply = %q, want accepted notice", h.sender.last(102))
	}

	// A repeated affirmative is answered but never counted twice.
	h.say(t, 102, "carla", "ja")
	if !strings.Contains(h.sender.last(102), "bereits bestätigt") {
		t.Fatalf("carla reply = %q, want already-confirmed notice", h.sender.last(102))
	}
	if games, _ := h.store.GamesByCup(context.Background(), cup.ID); len(games) != 0 {
		t.Fatalf("duplicate confirmation reached quorum")
	}

	h.say(t, 103, "dora", "ja")
	games, err := h.store.GamesByCup(context.Background(), cup.ID)
	if err != nil {
		t.Fatalf("GamesByCup: %v", err)
	}
	if len(games) != 1 {
		t.Fatalf("got %d games after full quorum, want 1", len(games))
	}
	if len(games[0].WinnerIDs) != 2 || len(games[0].LoserIDs) != 2 {
		t.Fatalf("rosters = %v/%v, want two a side", games[0].WinnerIDs, games[0].LoserIDs)
	}

	// All teams started level, so the exchange is the flat base gain.
	sum := 0.0
	for tgID := int64(100); tgID <= 103; tgID++ {
		u := h.mustUser(t, tgID)
		if u.State != domain.StateOn {
			t.Fatalf("%s state = %d after commit, want ON", u.Username, int(u.State))
		}
		r, _ := h.store.RatingFor(context.Background(), u.ID, cup.ID)
		sum += r.Rating - 1000
		switch u.Username {
		case "anna", "ben":
			if r.Rating != 1010 {
				t.Fatalf("%s rating = %v, want 1010", u.Username, r.Rating)
			}
		default:
			if r.Rating != 990 {
				t.Fatalf("%s rating = %v, want 990", u.Username, r.Rating)
			}
		}
	}
	if sum != 0 {
		t.Fatalf("rating exchange leaked %v points", sum)
	}
}

func TestTeamGameLateRejectionAborts(t *testing.T) {
	h := newHarness(t)
	cup := setupTeamGame(t, h)

	h.say(t, 100, "anna", "ja")
	h.say(t, 102, "carla", "ja")
	h.say(t, 103, "dora", "nein")

	if games, _ := h.store.GamesByCup(context.Background(), cup.ID); len(games) != 0 {
		t.Fatalf("rejected game was persisted")
	}
	if !strings.Contains(h.sender.last(100), "abgelehnt") {
		t.Fatalf("initiator notice = %q, want rejection", h.sender.last(100))
	}
	// Carla's earlier "ja" does not bind her; she is unparked like everyone.
	if !strings.Contains(h.sender.last(102), "verworfen") {
		t.Fatalf("carla notice = %q, want cancelled broadcast", h.sender.last(102))
	}
	for tgID := int64(100); tgID <= 103; tgID++ {
		u := h.mustUser(t, tgID)
		if u.State != domain.StateOn {
			t.Fatalf("%s state = %d after abort, want ON", u.Username, int(u.State))
		}
		r, _ := h.store.RatingFor(context.Background(), u.ID, cup.ID)
		if r.Rating != 1000 {
			t.Fatalf("%s rating mutated by rejected game: %v", u.Username, r.Rating)
		}
	}
}

func TestGetCups(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	h.say(t, 100, "anna", "/getcups")
	if !strings.Contains(h.sender.last(100), "keinem Cup teil") {
		t.Fatalf("got %q, want no-joined-cups notice", h.sender.last(100))
	}

	h.createCup(t, 100, "anna", "1 vs 1", "Sommercup")
	h.say(t, 100, "anna", "/getcups")
	last := h.sender.last(100)
	if !strings.Contains(last, "Sommercup") || !strings.Contains(last, "anna") {
		t.Fatalf("got %q, want cup listing", last)
	}
}

func TestTwoCupsRequireSelection(t *testing.T) {
	h := newHarness(t)
	h.register(t, 100, "anna")
	h.createCup(t, 100, "anna", "1 vs 1", "Erster Cup")
	h.createCup(t, 100, "anna", "1 vs 1", "Zweiter Cup")
	h.register(t, 101, "ben")
	h.joinCup(t, 101, "ben", "Erster Cup")
	h.joinCup(t, 101, "ben", "Zweiter Cup")

	h.say(t, 101, "ben", "/newgame")
	if !strings.Contains(h.sender.last(101), "In welchem Cup") {
		t.Fatalf("got %q, want cup selection prompt", h.sender.last(101))
	}
	h.say(t, 101, "ben", "Erster Cup")
	if got := h.mustUser(t, 101).State; got != domain.StateNewGameCupSet {
		t.Fatalf("state = %d, want cup-set", int(got))
	}
}

// endOfDay must keep a same-day cup valid until midnight.
func TestEndOfDay(t *testing.T) {
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local)
	end := endOfDay(day)
	if end.Hour() != 23 || end.Minute() != 59 || end.Second() != 59 {
		t.Fatalf("endOfDay = %v", end)
	}
	if end.Day() != 14 {
		t.Fatalf("endOfDay changed the day: %v", end)
	}
}

func TestParseYesNo(t *testing.T) {
	for _, s := range []string{"ja", "JA", " j ", "yes", "jo"} {
		if v, ok := parseYesNo(s); !ok || !v {
			t.Fatalf("parseYesNo(%q) = %v, %v", s, v, ok)
		}
	}
	for _, s := range []string{"nein", "NE", "no", "n"} {
		if v, ok := parseYesNo(s); !ok || v {
			t.Fatalf("parseYesNo(%q) = %v, %v", s, v, ok)
		}
	}
	if _, ok := parseYesNo("vielleicht"); ok {
		t.Fatal("parseYesNo accepted garbage")
	}
}
