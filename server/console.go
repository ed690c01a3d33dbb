package main

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

const consoleHelp = "Available commands: who, ban <name>, kick <name>, unban <name>, broadcast <msg>, stop"

// Console is the operator prompt on the server's stdin.
type Console struct {
	hub    *Hub
	config *Config
	out    io.Writer
}

func NewConsole(hub *Hub, config *Config, out io.Writer) *Console {
	return &Console{hub: hub, config: config, out: out}
}

// Run reads commands until stop or end of input.
func (c *Console) Run(in io.Reader) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(c.out, "Server console ready. Type 'help' for commands.")
	for scanner.Scan() {
		if !c.Exec(scanner.Text()) {
			return
		}
	}
}

// Exec runs one command line and reports whether the console keeps going.
func (c *Console) Exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "stop":
		fmt.Fprintln(c.out, "Stopping server...")
		return false
	case "who":
		names := c.hub.Online()
		sort.Strings(names)
		fmt.Fprintf(c.out, "%d connected: %s\n", len(names), strings.Join(names, ", "))
	case "kick":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: kick <name>")
			return true
		}
		if c.hub.KickUser(args[0]) {
			fmt.Fprintln(c.out, "User kicked.")
		} else {
			fmt.Fprintln(c.out, "User not found.")
		}
	case "ban":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: ban <name>")
			return true
		}
		if err := c.config.Ban(args[0]); err != nil {
			fmt.Fprintln(c.out, "Error banning:", err)
		} else {
			fmt.Fprintln(c.out, "User banned.")
			c.hub.KickUser(args[0])
		}
	case "unban":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: unban <name>")
			return true
		}
		if err := c.config.Unban(args[0]); err != nil {
			fmt.Fprintln(c.out, "Error unbanning:", err)
		} else {
			fmt.Fprintln(c.out, "User unbanned.")
		}
	case "broadcast":
		if len(args) < 1 {
			fmt.Fprintln(c.out, "Usage: broadcast <message>")
			return true
		}
		c.hub.BroadcastSystemMessage("[Admin] " + strings.Join(args, " "))
		fmt.Fprintln(c.out, "Broadcast sent.")
	default:
		fmt.Fprintln(c.out, "Unknown command.")
	}
	return true
}
