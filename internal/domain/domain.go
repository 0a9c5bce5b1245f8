package domain

import "time"

// BotState is the per-user conversation state. The gaps in the numbering group
// states by dialog (2x newcup, 3x joincup, 4x delcup, 5x newgame) and leave
// room for inserting steps without renumbering.
type BotState int

const (
	StateOff BotState = 0
	StateOn  BotState = 1

	StateStartNewCup   BotState = 20
	StateNewCupTypeSet BotState = 21
	StateNewCupNameSet BotState = 22

	StateJoinCup BotState = 30

	StateDelCup        BotState = 40
	StateDelCupConfirm BotState = 41

	StateStartNewGame         BotState = 50
	StateNewGameCupSet        BotState = 51
	StateNewGameWinnersSet    BotState = 52
	StateNewGameLosersSet     BotState = 53
	StateNewGameBroadcastSent BotState = 54

	StateGameConfirmation BotState = 60
)

// AcceptTextStates lists the states in which free text is processed at all.
// Text arriving outside this allow-list is dropped without a reply.
var AcceptTextStates = []BotState{
	StateStartNewCup,
	StateNewCupTypeSet,
	StateNewCupNameSet,
	StateJoinCup,
	StateDelCup,
	StateDelCupConfirm,
	StateStartNewGame,
	StateNewGameCupSet,
	StateNewGameWinnersSet,
	StateNewGameLosersSet,
	StateGameConfirmation,
}

func AcceptsText(s BotState) bool {
	for _, st := range AcceptTextStates {
		if st == s {
			return true
		}
	}
	return false
}

type User struct {
	ID         int64
	TelegramID int64
	Username   string
	State      BotState
	CreatedAt  time.Time
}

// Cup is a round-robin competition. Mode is the number of players per side.
type Cup struct {
	ID        int64
	Name      string
	Mode      int
	ManagerID int64
	StartAt   time.Time
	EndAt     time.Time
}

// Game is immutable once recorded. Winner and loser sets are disjoint and
// each has exactly Mode members.
type Game struct {
	ID        int64
	CupID     int64
	WinnerIDs []int64
	LoserIDs  []int64
	CreatedAt time.Time
}

// RatingRecord is one per (user, cup) pair.
type RatingRecord struct {
	ID        int64
	UserID    int64
	CupID     int64
	Rating    float64
	UpdatedAt time.Time
}
