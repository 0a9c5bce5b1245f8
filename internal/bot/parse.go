package bot

import (
	"regexp"
	"strings"
	"time"
)

const (
	cmdHelp     = "help"
	cmdStart    = "start"
	cmdStop     = "stop"
	cmdCancel   = "cancel"
	cmdNewCup   = "newcup"
	cmdJoinCup  = "joincup"
	cmdDelCup   = "delcup"
	cmdNewGame  = "newgame"
	cmdGetCups  = "getcups"
	cmdMetadata = "metadata"
)

const (
	dateFormat         = "02.01.2006"
	dateFormatExtended = "02.01.2006 15:04:05"

	maxNameLength = 32

	// allowedChars feeds the ILLEGAL_CHARACTER message.
	allowedChars = `Buchstaben, Zahlen, Leerzeichen, "-" und "_"`

	deleteConfirmPhrase = "LÖSCHEN"
)

var nameRegexp = regexp.MustCompile(`^[a-zA-Z0-9äöüÄÖÜß _-]+$`)

// modeLabel keeps the keyboard order stable.
type modeLabel struct {
	label string
	mode  int
}

var modeLabels = []modeLabel{
	{"1 vs 1", 1},
	{"2 vs 2", 2},
	{"3 vs 3", 3},
}

func modeChoices() []string {
	out := make([]string, 0, len(modeLabels))
	for _, m := range modeLabels {
		out = append(out, m.label)
	}
	return out
}

func parseMode(text string) (int, bool) {
	for _, m := range modeLabels {
		if m.label == strings.TrimSpace(text) {
			return m.mode, true
		}
	}
	return 0, false
}

var (
	truthyTokens = []string{"ja", "j", "yes", "y", "jo"}
	falsyTokens  = []string{"nein", "n", "no", "ne"}
)

// parseYesNo returns (value, ok). Unrecognized text is neither and triggers a
// re-prompt at the call sites.
func parseYesNo(text string) (bool, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, tok := range truthyTokens {
		if t == tok {
			return true, true
		}
	}
	for _, tok := range falsyTokens {
		if t == tok {
			return false, true
		}
	}
	return false, false
}

// endOfDay promotes a day-precision date to its last second, so a cup
// entered for today is still in the future until midnight.
func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
