package chat

import "time"

// Client is the record kept for one connected participant.
//
// Address identifies the connection and never changes; Nickname is empty until
// the handshake completes and may change later through /nick.
type Client struct {
	Nickname    string
	Address     string
	ConnectedAt time.Time
	LastActive  time.Time
}

func newClient(addr string, now time.Time) Client {
	return Client{
		Address:     addr,
		ConnectedAt: now,
	}
}

// Seen reports whether the client has ever sent a chat line.
func (c Client) Seen() bool {
	return !c.LastActive.IsZero()
}
