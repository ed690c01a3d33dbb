package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/puyokura/boardchat/session"
	"github.com/puyokura/boardchat/transport"
)

const connectTimeout = 10 * time.Second

const reservedNameStatus = "That name is reserved. Pick another."

// maxImageBytes keeps the base64 frame of an /image upload, with 4 KiB left
// for the envelope, under the server's default 8 MiB read limit.
const maxImageBytes = (8<<20 - 4096) / 4 * 3

// newDialer returns the transport factory used by the session controller.
func newDialer(kind transport.Kind, logger zerolog.Logger) session.Dialer {
	return func(addr string) (transport.Transport, error) {
		return transport.New(kind, addr, transport.WithLogger(logger))
	}
}

// connect runs a connection attempt with the default timeout.
func connect(c *session.Controller, addr, username string) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return c.Connect(ctx, addr, username)
}

// readImage loads an image file for /image.
func readImage(path string) ([]byte, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("usage: /image <path>")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}
	if info.Size() > maxImageBytes {
		return nil, errors.Errorf("image %s is too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}
	return data, nil
}

// chatCommand is one line typed into the chat input.
type chatCommand struct {
	name string // "", "image", "ai", "disconnect", "quit", "connect"
	arg  string
}

// parseInput splits slash commands from plain text. Unknown slash commands
// are sent as text.
func parseInput(line string) chatCommand {
	trimmed := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(trimmed, "/") {
		return chatCommand{arg: line}
	}
	name, arg, _ := strings.Cut(strings.TrimRight(trimmed[1:], "\r\n"), " ")
	switch name {
	case "ai":
		return chatCommand{name: name, arg: arg}
	case "image", "disconnect", "quit", "connect":
		return chatCommand{name: name, arg: strings.TrimSpace(arg)}
	}
	return chatCommand{arg: line}
}
