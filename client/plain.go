package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/puyokura/boardchat/session"
)

const plainHelp = "Commands: /connect <server> <name>, /image <path>, /ai <prompt>, /disconnect, /quit"

// console is the line-oriented client. One goroutine, run, owns all
// state; stdin lines and transport callbacks are funnelled into it.
type console struct {
	ctrl   *session.Controller
	sess   *session.Session
	out    io.Writer
	logger zerolog.Logger

	events chan func()
	done   chan struct{}
	// connecting is set while a Connect goroutine is running.
	connecting bool
}

func newConsole(ctrl *session.Controller, out io.Writer, logger zerolog.Logger) *console {
	c := &console{
		ctrl:   ctrl,
		out:    out,
		logger: logger,
		events: make(chan func(), 64),
		done:   make(chan struct{}),
	}
	ctrl.View = c
	ctrl.Dispatch = c.dispatch
	return c
}

func (c *console) dispatch(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *console) ShowChat() {
	fmt.Fprintln(c.out, "Connecting...")
}

func (c *console) ShowConnectForm() {
	c.sess = nil
	fmt.Fprintln(c.out, plainHelp)
}

func (c *console) ClearInput() {}

// run reads lines from in until /quit, EOF or ctx ends. It connects first
// when server and username are both set.
func (c *console) run(ctx context.Context, in io.Reader, server, username string) error {
	defer close(c.done)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-c.done:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Debug().Err(err).Msg("[console] read stdin")
		}
	}()

	fmt.Fprintln(c.out, plainHelp)
	if server != "" && username != "" {
		c.startConnect(server, username)
	}

	for {
		select {
		case <-ctx.Done():
			c.close()
			return nil
		case fn := <-c.events:
			fn()
		case line, ok := <-lines:
			if !ok {
				c.close()
				return nil
			}
			if quit := c.handleLine(line); quit {
				c.close()
				return nil
			}
		}
	}
}

// handleLine reports whether the user asked to quit.
func (c *console) handleLine(line string) bool {
	in := parseInput(line)
	switch in.name {
	case "quit":
		return true
	case "connect":
		if c.sess != nil || c.connecting {
			fmt.Fprintln(c.out, "Already connected. Use /disconnect first.")
			return false
		}
		var server, name string
		fmt.Sscan(in.arg, &server, &name)
		c.startConnect(server, name)
		return false
	}
	if c.sess == nil {
		return false
	}

	switch in.name {
	case "disconnect":
		if err := c.sess.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("[console] close")
		}
	case "image":
		if in.arg == "" {
			return false
		}
		path := in.arg
		go func() {
			data, err := readImage(path)
			c.dispatch(func() {
				if err != nil {
					fmt.Fprintln(c.out, err)
					return
				}
				if c.sess != nil {
					c.sess.SendImage(data)
				}
			})
		}()
	case "ai":
		c.sess.RequestAssistant(in.arg)
	default:
		c.sess.SendText(in.arg)
	}
	return false
}

func (c *console) startConnect(server, username string) {
	c.connecting = true
	go func() {
		s, err := connect(c.ctrl, server, username)
		c.dispatch(func() {
			c.connecting = false
			switch {
			case errors.Is(err, session.ErrMissingDetails):
				fmt.Fprintln(c.out, "Usage: /connect <server> <name>")
			case errors.Is(err, session.ErrReservedName):
				fmt.Fprintln(c.out, reservedNameStatus)
			case err != nil:
				c.logger.Warn().Err(err).Msg("[console] connect failed")
			case s.Open():
				c.sess = s
				fmt.Fprintf(c.out, "Connected to %s as %s.\n", s.Addr, s.Username)
			}
		})
	}()
}

func (c *console) close() {
	if c.sess != nil {
		_ = c.sess.Close()
		c.sess = nil
	}
}
