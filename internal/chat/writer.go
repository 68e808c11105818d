package chat

import (
	"io"
	"strings"
	"sync"
)

const noticePrefix = "server: "

// sessionWriter serialises writes to one client connection.
type sessionWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newSessionWriter(w io.Writer) *sessionWriter {
	return &sessionWriter{w: w}
}

func (w *sessionWriter) writeString(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := io.WriteString(w.w, s)
	return err
}

// notice writes a server line to this client only.
func (w *sessionWriter) notice(msg string) error {
	return w.writeString(formatNotice(msg))
}

func formatNotice(msg string) string {
	return noticePrefix + msg + "\n"
}

// formatChat tags a relayed line with its sender, keeping the line verbatim.
func formatChat(nick, line string) string {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	return nick + ": " + line
}
