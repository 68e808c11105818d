package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const waitTimeout = 2 * time.Second

type testClient struct {
	t      *testing.T
	addr   string
	conn   net.Conn
	lines  chan string
	cancel context.CancelFunc
	done   chan struct{}
}

// connect opens an in-memory connection to room and consumes the nick prompt.
func connect(t *testing.T, room *Room, addr string) *testClient {
	t.Helper()

	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	c := &testClient{
		t:      t,
		addr:   addr,
		conn:   client,
		lines:  make(chan string, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(c.done)
		room.HandleConn(ctx, server, addr)
	}()

	go func() {
		defer close(c.lines)
		reader := bufio.NewReader(client)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				c.lines <- line
			}
			if err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		<-c.done
	})

	c.expect("server: please enter your nick below\n")
	return c
}

func join(t *testing.T, room *Room, addr, nick string) *testClient {
	t.Helper()

	c := connect(t, room, addr)
	c.send(nick + "\n")
	c.expect("server: welcome to chat\n")
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, line)
	require.NoError(c.t, err)
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	select {
	case got, ok := <-c.lines:
		require.True(c.t, ok, "connection closed while waiting for %q", want)
		require.Equal(c.t, want, got)
	case <-time.After(waitTimeout):
		c.t.Fatalf("timed out waiting for %q", want)
	}
}

func (c *testClient) expectNothing(d time.Duration) {
	c.t.Helper()
	select {
	case got, ok := <-c.lines:
		if ok {
			c.t.Fatalf("unexpected line %q", got)
		}
	case <-time.After(d):
	}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	for {
		select {
		case got, ok := <-c.lines:
			if !ok {
				return
			}
			c.t.Fatalf("unexpected line %q before close", got)
		case <-time.After(waitTimeout):
			c.t.Fatal("timed out waiting for connection close")
		}
	}
}

func TestHandshakeRejectsShortNick(t *testing.T) {
	room := NewRoom()
	c := connect(t, room, "10.0.0.1:5000")

	c.send("ab\n")
	c.expect("server: nick is too short\n")
	require.Zero(t, room.Registry().Len())

	c.send("abcdefghijklmnop\n")
	c.expect("server: nick is too long\n")
	c.send("bad/nick\n")
	c.expect("server: please enter a valid nick\n")
	c.send("   \n")
	c.expect("server: please enter a valid nick\n")

	c.send("alice\n")
	c.expect("server: welcome to chat\n")
	require.Equal(t, []string{"alice"}, room.Nicknames())
}

func TestHandshakeRejectsTakenNick(t *testing.T) {
	room := NewRoom()
	join(t, room, "10.0.0.1:5000", "alice")

	c := connect(t, room, "10.0.0.2:5000")
	c.send("alice\n")
	c.expect("server: nick is already taken\n")
	c.send("bob\n")
	c.expect("server: welcome to chat\n")
}

func TestChatLineReachesEveryone(t *testing.T) {
	room := NewRoom()
	alice := join(t, room, "10.0.0.1:5000", "alice")
	bob := join(t, room, "10.0.0.2:5000", "bob")
	alice.expect("server: bob has joined\n")

	alice.send("hi\n")
	bob.expect("alice: hi\n")
	alice.expect("alice: hi\n")
}

func TestEmptyLinesAreIgnored(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 15, 0, 0, time.UTC)
	room := NewRoom(WithClock(func() time.Time { return now }))
	alice := join(t, room, "10.0.0.1:5000", "alice")

	alice.send("   \n")
	alice.send("/time\n")
	alice.expect("server: current time is 2024-05-01 09:15\n")
}

func TestSeenBeforeAnyChat(t *testing.T) {
	room := NewRoom()
	alice := join(t, room, "10.0.0.1:5000", "alice")
	join(t, room, "10.0.0.2:5000", "bob")
	alice.expect("server: bob has joined\n")

	alice.send("/seen bob\n")
	alice.expect("server: bob was not seen yet\n")
}

func TestSeenIgnoresCommandTraffic(t *testing.T) {
	room := NewRoom()
	alice := join(t, room, "10.0.0.1:5000", "alice")
	bob := join(t, room, "10.0.0.2:5000", "bob")
	alice.expect("server: bob has joined\n")

	bob.send("/users\n")
	bob.expect("server: alice, bob\n")

	alice.send("/seen bob\n")
	alice.expect("server: bob was not seen yet\n")

	bob.send("hello\n")
	bob.expect("bob: hello\n")
	alice.expect("bob: hello\n")

	got, ok := room.Registry().Lookup("bob")
	require.True(t, ok)
	require.True(t, got.Seen())
}

func TestNickChangeToTakenNick(t *testing.T) {
	room := NewRoom()
	alice := join(t, room, "10.0.0.1:5000", "alice")
	join(t, room, "10.0.0.3:5000", "carol")
	alice.expect("server: carol has joined\n")

	alice.send("/nick carol\n")
	alice.expect("server: nick is already taken\n")

	alice.send("/users\n")
	alice.expect("server: alice, carol\n")
}

func TestNickChangeIsAnnounced(t *testing.T) {
	room := NewRoom()
	alice := join(t, room, "10.0.0.1:5000", "alice")
	bob := join(t, room, "10.0.0.2:5000", "bob")
	alice.expect("server: bob has joined\n")

	alice.send("/nick alicia\n")
	bob.expect("server: alice is now alicia\n")
	alice.expect("server: alice is now alicia\n")

	alice.send("hey\n")
	bob.expect("alicia: hey\n")

	// the old nickname can be claimed again
	join(t, room, "10.0.0.4:5000", "alice")
}

func TestAbruptDisconnectAnnouncesDepartureOnce(t *testing.T) {
	room := NewRoom()
	alice := join(t, room, "10.0.0.1:5000", "alice")
	bob := join(t, room, "10.0.0.2:5000", "bob")
	alice.expect("server: bob has joined\n")

	require.NoError(t, bob.conn.Close())

	alice.expect("server: bob has left\n")
	require.Eventually(t, func() bool {
		return !room.Registry().ContainsAddress(bob.addr)
	}, waitTimeout, 5*time.Millisecond)
	alice.expectNothing(50 * time.Millisecond)
}

func TestSameRemoteOnTwoTransportsStaysSeparate(t *testing.T) {
	room := NewRoom()
	alice := join(t, room, "tcp:127.0.0.1:47123", "alice")
	bob := join(t, room, "ws:127.0.0.1:47123", "bob")
	alice.expect("server: bob has joined\n")

	require.NoError(t, bob.conn.Close())

	alice.expect("server: bob has left\n")
	require.Eventually(t, func() bool {
		return !room.Registry().ContainsAddress(bob.addr)
	}, waitTimeout, 5*time.Millisecond)
	require.Equal(t, []string{"alice"}, room.Nicknames())

	alice.send("/seen alice\n")
	alice.expect("server: alice was not seen yet\n")
}

func TestSlowReaderSkipsDroppedLines(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	room := NewRoom(WithBufferSize(2), WithLogger(zap.New(core)))

	// No background reader here: the session blocks on its first write
	// until the test reads, so the queue overflows while we publish.
	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		room.HandleConn(ctx, server, "tcp:10.0.0.1:5000")
	}()
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		<-done
	})

	reader := bufio.NewReader(client)
	readLine := func() string {
		t.Helper()
		require.NoError(t, client.SetReadDeadline(time.Now().Add(waitTimeout)))
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		return line
	}

	require.Equal(t, "server: please enter your nick below\n", readLine())
	_, err := io.WriteString(client, "alice\n")
	require.NoError(t, err)
	require.Equal(t, "server: welcome to chat\n", readLine())

	const published = 50
	for i := 0; i < published; i++ {
		room.publish(fmt.Sprintf("x: %d\n", i))
	}

	var got []string
	for len(got) == 0 || got[len(got)-1] != fmt.Sprintf("x: %d\n", published-1) {
		got = append(got, readLine())
	}
	require.LessOrEqual(t, len(got), 3, "got %q", got)
	for _, line := range got {
		require.Regexp(t, `^x: \d+\n$`, line)
	}

	lagged := logs.FilterMessage("subscriber lagged").All()
	require.NotEmpty(t, lagged)
	var missed uint64
	for _, entry := range lagged {
		require.Equal(t, "alice", entry.ContextMap()["nick"])
		missed += entry.ContextMap()["missed"].(uint64)
	}
	require.Equal(t, uint64(published-len(got)), missed)

	_, err = io.WriteString(client, "still here\n")
	require.NoError(t, err)
	require.Equal(t, "alice: still here\n", readLine())
}

func TestQuitClosesConnection(t *testing.T) {
	room := NewRoom()
	alice := join(t, room, "10.0.0.1:5000", "alice")
	bob := join(t, room, "10.0.0.2:5000", "bob")
	alice.expect("server: bob has joined\n")

	bob.send("/QUIT\n")
	bob.expectClosed()
	alice.expect("server: bob has left\n")
	require.Equal(t, []string{"alice"}, room.Nicknames())
}

func TestJoinDoesNotReplayEarlierLines(t *testing.T) {
	room := NewRoom()
	alice := join(t, room, "10.0.0.1:5000", "alice")

	// bob is subscribed from the moment he connects
	bob := connect(t, room, "10.0.0.2:5000")

	alice.send("early\n")
	alice.expect("alice: early\n")

	bob.send("bob\n")
	bob.expect("server: welcome to chat\n")
	alice.expect("server: bob has joined\n")

	alice.send("later\n")
	bob.expect("alice: later\n")
}

func TestAbandonedHandshakeLeavesNoTrace(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	room := NewRoom(WithLogger(zap.New(core)))
	alice := join(t, room, "10.0.0.1:5000", "alice")

	c := connect(t, room, "10.0.0.2:5000")
	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		return logs.FilterMessage("client disconnected").FilterField(zap.String("addr", "10.0.0.2:5000")).Len() == 1
	}, waitTimeout, 5*time.Millisecond)
	alice.expectNothing(50 * time.Millisecond)
	require.Equal(t, []string{"alice"}, room.Nicknames())
}

func TestContextCancelTerminatesSession(t *testing.T) {
	room := NewRoom()
	alice := join(t, room, "10.0.0.1:5000", "alice")
	bob := join(t, room, "10.0.0.2:5000", "bob")
	alice.expect("server: bob has joined\n")

	bob.cancel()
	alice.expect("server: bob has left\n")
	bob.expectClosed()
}

func TestIdleTimeoutDisconnects(t *testing.T) {
	room := NewRoom(WithIdleTimeout(50 * time.Millisecond))
	c := connect(t, room, "10.0.0.1:5000")

	c.expect("server: idle timeout\n")
	c.expectClosed()
}

func TestLeaveIsIdempotent(t *testing.T) {
	room := NewRoom()
	sub := room.bus.Subscribe()
	defer sub.Close()

	alice := Client{Nickname: "alice", Address: "10.0.0.1:5000"}
	require.True(t, room.registry.Claim(alice))

	room.leave(alice)
	room.leave(alice)

	line, err := sub.TryReceive()
	require.NoError(t, err)
	require.Equal(t, "server: alice has left\n", line)

	_, err = sub.TryReceive()
	require.ErrorIs(t, err, ErrQueueEmpty)
	require.False(t, room.registry.ContainsAddress(alice.Address))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "handshaking", StateHandshaking.String())
	require.Equal(t, "active", StateActive.String())
	require.Equal(t, "terminated", StateTerminated.String())
	require.Equal(t, "State(7)", State(7).String())
}
