package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/puyokura/boardchat/model"
	"github.com/puyokura/boardchat/transport"
)

func TestConsoleCommands(t *testing.T) {
	hub, cfg, srv := startServer(t, nil)
	var out bytes.Buffer
	console := NewConsole(hub, cfg, &out)

	c := dialClient(t, transport.KindWebSocket, srv.URL)
	c.send(t, model.CommandRegister, model.Payload{Username: "alice"})
	c.waitFor(t, has(model.ServerName, "alice joined."))

	run := func(line string) string {
		out.Reset()
		require.True(t, console.Exec(line), line)
		return strings.TrimSpace(out.String())
	}

	require.Equal(t, consoleHelp, run("help"))
	require.Equal(t, "", run("   "))
	require.Equal(t, "1 connected: alice", run("who"))
	require.Equal(t, "Unknown command.", run("reboot"))
	require.Equal(t, "Usage: kick <name>", run("kick"))
	require.Equal(t, "Usage: broadcast <message>", run("broadcast"))

	require.Equal(t, "Broadcast sent.", run("broadcast lunch   is ready"))
	c.waitFor(t, has(model.ServerName, "[Admin] lunch is ready"))

	require.Equal(t, "User banned.", run("ban alice"))
	require.True(t, cfg.IsBanned("alice"))
	c.waitGone(t)
	require.Equal(t, "User not found.", run("kick alice"))

	require.Equal(t, "User unbanned.", run("unban alice"))
	require.False(t, cfg.IsBanned("alice"))

	out.Reset()
	require.False(t, console.Exec("stop"))
	require.Equal(t, "Stopping server...\n", out.String())
}

func TestConsoleRunStopsOnStop(t *testing.T) {
	hub, cfg, _ := startServer(t, nil)
	var out bytes.Buffer

	NewConsole(hub, cfg, &out).Run(strings.NewReader("help\nstop\nhelp\n"))

	require.Equal(t, 1, strings.Count(out.String(), consoleHelp))
	require.Contains(t, out.String(), "Stopping server...")
}
