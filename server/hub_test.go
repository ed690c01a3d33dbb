package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/puyokura/boardchat/model"
	"github.com/puyokura/boardchat/transport"
)

const waitTimeout = 5 * time.Second

type fakeAssistant struct {
	prompts chan string
	reply   string
}

func (f *fakeAssistant) Reply(_ context.Context, prompt string) (string, error) {
	f.prompts <- prompt
	return f.reply, nil
}

func startServer(t *testing.T, assistant Assistant) (*Hub, *Config, *httptest.Server) {
	t.Helper()
	if assistant == nil {
		assistant = unconfiguredAssistant{}
	}
	cfg := NewConfig(filepath.Join(t.TempDir(), "serverconfig.json"))
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(ctx, NewBoard(nil, nil, zerolog.Nop()), cfg, assistant, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- hub.Run() }()
	srv := httptest.NewServer(NewRouter(hub, cfg))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	return hub, cfg, srv
}

type testClient struct {
	tr     transport.Transport
	boards chan []model.Message
	gone   chan error
}

func dialClient(t *testing.T, kind transport.Kind, url string) *testClient {
	t.Helper()
	tr, err := transport.New(kind, url, transport.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	c := &testClient{tr: tr, boards: make(chan []model.Message, 128), gone: make(chan error, 1)}
	tr.OnEvent(model.EventSnapshot, func(ev transport.Event) { c.boards <- ev.Messages })
	tr.OnEvent(model.EventDisconnect, func(ev transport.Event) { c.gone <- ev.Err })

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, tr.Open(ctx))
	t.Cleanup(func() { _ = tr.Close() })
	return c
}

func (c *testClient) send(t *testing.T, cmd model.Command, p model.Payload) {
	t.Helper()
	require.NoError(t, c.tr.Send(cmd, p))
}

// waitFor returns the first board that satisfies pred.
func (c *testClient) waitFor(t *testing.T, pred func([]model.Message) bool) []model.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case b := <-c.boards:
			if pred(b) {
				return b
			}
		case <-deadline:
			t.Fatal("timed out waiting for board")
			return nil
		}
	}
}

func (c *testClient) waitGone(t *testing.T) {
	t.Helper()
	select {
	case <-c.gone:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for disconnect")
	}
}

func has(username, text string) func([]model.Message) bool {
	return func(b []model.Message) bool {
		return find(b, username, text) >= 0
	}
}

func find(b []model.Message, username, text string) int {
	for i, m := range b {
		if m.Username == username && m.Message == text {
			return i
		}
	}
	return -1
}

func TestHubJoinBroadcastLeave(t *testing.T) {
	_, _, srv := startServer(t, nil)

	alice := dialClient(t, transport.KindWebSocket, srv.URL)
	alice.send(t, model.CommandRegister, model.Payload{Username: "alice"})
	alice.waitFor(t, has(model.ServerName, "alice joined."))

	alice.send(t, model.CommandSendText, model.Payload{Username: "alice", Message: "hello"})
	board := alice.waitFor(t, has("alice", "hello"))
	last := board[len(board)-1]
	require.False(t, last.Timestamp.IsZero())

	bob := dialClient(t, transport.KindSocketIO, srv.URL)
	// A Socket.IO client gets the board as soon as it connects.
	bob.waitFor(t, has("alice", "hello"))
	bob.send(t, model.CommandRegister, model.Payload{Username: "bob"})
	alice.waitFor(t, has(model.ServerName, "bob joined."))

	bob.send(t, model.CommandSendText, model.Payload{Username: "bob", Message: "hi alice"})
	board = alice.waitFor(t, has("bob", "hi alice"))
	require.Less(t, find(board, "alice", "hello"), find(board, "bob", "hi alice"))
	bob.waitFor(t, has("bob", "hi alice"))

	require.NoError(t, bob.tr.Close())
	alice.waitFor(t, has(model.ServerName, "bob left."))
}

func TestHubSkipsBlankText(t *testing.T) {
	_, _, srv := startServer(t, nil)

	c := dialClient(t, transport.KindWebSocket, srv.URL)
	c.send(t, model.CommandRegister, model.Payload{Username: "alice"})
	c.waitFor(t, has(model.ServerName, "alice joined."))
	c.send(t, model.CommandSendText, model.Payload{Message: "   "})
	c.send(t, model.CommandSendText, model.Payload{Message: "after"})

	board := c.waitFor(t, has("alice", "after"))
	require.Len(t, board, 2)
}

func TestHubUnnamedSenderIsAnonymous(t *testing.T) {
	_, _, srv := startServer(t, nil)

	c := dialClient(t, transport.KindWebSocket, srv.URL)
	c.send(t, model.CommandSendText, model.Payload{Message: "who am i"})
	c.waitFor(t, has(anonymous, "who am i"))
}

func TestHubStripsImageDataURI(t *testing.T) {
	_, _, srv := startServer(t, nil)

	c := dialClient(t, transport.KindWebSocket, srv.URL)
	c.send(t, model.CommandRegister, model.Payload{Username: "alice"})
	c.send(t, model.CommandSendImage, model.Payload{ImageData: "aGVsbG8="})

	c.waitFor(t, func(b []model.Message) bool {
		for _, m := range b {
			if m.Username == "alice" && m.ImageData == "aGVsbG8=" {
				return true
			}
		}
		return false
	})
}

func TestHubAssistantReply(t *testing.T) {
	fake := &fakeAssistant{prompts: make(chan string, 1), reply: "try turning it off and on"}
	_, _, srv := startServer(t, fake)

	c := dialClient(t, transport.KindSocketIO, srv.URL)
	c.send(t, model.CommandRegister, model.Payload{Username: "alice"})
	c.send(t, model.CommandSendText, model.Payload{Username: "alice", Message: "my printer is broken"})
	c.waitFor(t, has("alice", "my printer is broken"))
	c.send(t, model.CommandAssistant, model.Payload{Username: "alice", Prompt: "any ideas?"})

	c.waitFor(t, has(model.AssistantName, "try turning it off and on"))
	prompt := <-fake.prompts
	require.Contains(t, prompt, "alice: my printer is broken")
	require.Contains(t, prompt, "any ideas?")
}

func TestHubUnconfiguredAssistant(t *testing.T) {
	_, _, srv := startServer(t, nil)

	c := dialClient(t, transport.KindWebSocket, srv.URL)
	c.send(t, model.CommandAssistant, model.Payload{Prompt: "hello?"})
	c.waitFor(t, has(model.AssistantName, NotConfiguredReply))
}

func TestHubRefusesBannedUsername(t *testing.T) {
	_, cfg, srv := startServer(t, nil)
	require.NoError(t, cfg.Ban("mallory"))

	watcher := dialClient(t, transport.KindWebSocket, srv.URL)
	watcher.send(t, model.CommandRegister, model.Payload{Username: "watcher"})
	watcher.waitFor(t, has(model.ServerName, "watcher joined."))

	c := dialClient(t, transport.KindSocketIO, srv.URL)
	c.send(t, model.CommandRegister, model.Payload{Username: "mallory"})
	c.waitGone(t)

	// The next notice proves the ban produced neither a join nor a leave.
	watcher.send(t, model.CommandSendText, model.Payload{Message: "still here"})
	board := watcher.waitFor(t, has("watcher", "still here"))
	require.Equal(t, -1, find(board, model.ServerName, "mallory joined."))
	require.Equal(t, -1, find(board, model.ServerName, "mallory left."))
}

func TestHubRefusesReservedUsernames(t *testing.T) {
	_, _, srv := startServer(t, nil)

	bob := dialClient(t, transport.KindSocketIO, srv.URL)
	bob.send(t, model.CommandRegister, model.Payload{Username: "bob"})
	bob.waitFor(t, has(model.ServerName, "bob joined."))

	for _, name := range []string{model.AssistantName, model.ServerName} {
		c := dialClient(t, transport.KindSocketIO, srv.URL)
		c.send(t, model.CommandRegister, model.Payload{Username: name})
		c.waitGone(t)
	}

	bob.send(t, model.CommandSendText, model.Payload{Username: model.ServerName, Message: "totally official"})
	board := bob.waitFor(t, has("bob", "totally official"))
	require.Equal(t, -1, find(board, model.ServerName, "totally official"))
	require.Equal(t, -1, find(board, model.ServerName, model.AssistantName+" joined."))
	require.Equal(t, -1, find(board, model.ServerName, "Server joined."))
}

// startTCP serves the line protocol for hub on a loopback port.
func startTCP(t *testing.T, hub *Hub) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go serveTCP(hub, ln)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestHubTCPClient(t *testing.T) {
	hub, _, srv := startServer(t, nil)
	addr := startTCP(t, hub)

	watcher := dialClient(t, transport.KindWebSocket, srv.URL)
	watcher.send(t, model.CommandRegister, model.Payload{Username: "watcher"})
	watcher.waitFor(t, has(model.ServerName, "watcher joined."))

	carol := dialClient(t, transport.KindTCP, addr)
	carol.send(t, model.CommandRegister, model.Payload{Username: "carol"})
	carol.waitFor(t, has(model.ServerName, "carol joined."))
	watcher.waitFor(t, has(model.ServerName, "carol joined."))

	carol.send(t, model.CommandSendText, model.Payload{Message: "line one\nline two"})
	carol.waitFor(t, has("carol", "line one\nline two"))

	watcher.send(t, model.CommandSendText, model.Payload{Message: "hi\ncarol"})
	carol.waitFor(t, has("watcher", "hi\ncarol"))
	require.Contains(t, hub.Online(), "carol")

	require.NoError(t, carol.tr.Close())
	carol.waitGone(t)
	watcher.waitFor(t, has(model.ServerName, "carol left."))
}

func TestHubTCPRawLines(t *testing.T) {
	hub, _, _ := startServer(t, nil)
	addr := startTCP(t, hub)

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.SetDeadline(time.Now().Add(waitTimeout)))
	r := bufio.NewReader(nc)

	readLine := func() string {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return line
	}
	require.Equal(t, "Connection Start:\n", readLine())

	_, err = nc.Write([]byte("UserName:dave\nShout:ignored\nSend:first\n"))
	require.NoError(t, err)
	require.Equal(t, "NameRecieved:dave\n", readLine())

	var board []model.Message
	for find(board, "dave", "first") < 0 {
		cmd, payload := transport.DecodeLine(readLine())
		require.Equal(t, transport.LineBoardInfo, cmd)
		require.NoError(t, json.Unmarshal([]byte(payload), &board))
	}
	require.Equal(t, model.ServerName, board[0].Username)
	require.Equal(t, "dave joined.", board[0].Message)
	require.Len(t, board, 2)

	_, err = nc.Write([]byte("End\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return find(hub.board.Snapshot(), model.ServerName, "dave left.") >= 0
	}, waitTimeout, 10*time.Millisecond)
}

func TestHubKickUser(t *testing.T) {
	hub, _, srv := startServer(t, nil)

	c := dialClient(t, transport.KindWebSocket, srv.URL)
	c.send(t, model.CommandRegister, model.Payload{Username: "alice"})
	c.waitFor(t, has(model.ServerName, "alice joined."))

	require.True(t, hub.KickUser("alice"))
	c.waitGone(t)
	require.Eventually(t, func() bool {
		return find(hub.board.Snapshot(), model.ServerName, "alice left.") >= 0
	}, waitTimeout, 10*time.Millisecond)
	require.False(t, hub.KickUser("alice"))
}

func TestRouterAPIAndLanding(t *testing.T) {
	hub, _, srv := startServer(t, nil)
	hub.BroadcastSystemMessage("maintenance at noon")

	resp, err := http.Get(srv.URL + "/api/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	var board []model.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&board))
	require.Len(t, board, 1)
	require.Equal(t, model.ServerName, board[0].Username)
	require.Equal(t, "maintenance at noon", board[0].Message)

	page, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer page.Body.Close()
	var body bytes.Buffer
	_, err = body.ReadFrom(page.Body)
	require.NoError(t, err)
	require.Contains(t, body.String(), "boardchat")
}

func TestSocketIORejectsPolling(t *testing.T) {
	_, _, srv := startServer(t, nil)

	for _, query := range []string{"EIO=4&transport=polling", "EIO=3&transport=websocket"} {
		resp, err := http.Get(srv.URL + "/socket.io/?" + query)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestSocketIOHandshake(t *testing.T) {
	_, _, srv := startServer(t, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))

	read := func() string {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		return string(data)
	}

	open := read()
	require.True(t, strings.HasPrefix(open, "0{"), open)
	require.Contains(t, open, `"pingInterval":25000`)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("40/admin,")))
	require.Equal(t, `44/admin,{"message":"Invalid namespace"}`, read())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("40")))
	require.True(t, strings.HasPrefix(read(), `40{"sid":"`))
	require.Equal(t, `42["BoardInfo",{"payload":[]}]`, read())
}
