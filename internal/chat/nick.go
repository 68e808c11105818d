package chat

import "strings"

const (
	// CommandMarker starts every command line and is forbidden in nicknames.
	CommandMarker = '/'

	MinNickLength = 3
	MaxNickLength = 15
)

// NickError is a nickname rejection. Its text is shown to the client as is.
type NickError string

func (e NickError) Error() string { return string(e) }

const (
	// ErrNickInvalid covers both a blank candidate and one with bytes outside
	// printable ASCII or containing the command marker.
	ErrNickInvalid NickError = "please enter a valid nick"
	ErrNickShort   NickError = "nick is too short"
	ErrNickLong    NickError = "nick is too long"
	ErrNickTaken   NickError = "nick is already taken"
)

// ValidateNick trims candidate and checks it against the nickname rules.
func ValidateNick(candidate string) (string, error) {
	nick := strings.TrimSpace(candidate)
	if nick == "" {
		return "", ErrNickInvalid
	}
	for i := 0; i < len(nick); i++ {
		if c := nick[i]; c < 0x21 || c > 0x7e || c == CommandMarker {
			return "", ErrNickInvalid
		}
	}
	switch {
	case len(nick) < MinNickLength:
		return "", ErrNickShort
	case len(nick) > MaxNickLength:
		return "", ErrNickLong
	}
	return nick, nil
}
