package wsbridge

import (
	"bytes"
	"sync"

	"github.com/gorilla/websocket"
)

// lineConn presents a WebSocket as a newline-delimited byte stream: every
// inbound text frame becomes one line, and every outbound line one frame.
type lineConn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex
	partial []byte
}

func newLineConn(ws *websocket.Conn) *lineConn {
	return &lineConn{ws: ws}
}

func (c *lineConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.pending) == 0 {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		c.pending = append(bytes.TrimRight(msg, "\r\n"), '\n')
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *lineConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.partial = append(c.partial, p...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, c.partial[:i]); err != nil {
			return 0, err
		}
		c.partial = c.partial[i+1:]
	}
	return len(p), nil
}

func (c *lineConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}
