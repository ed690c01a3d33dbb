package main

import (
	"bufio"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/puyokura/boardchat/transport"
)

// serveTCP accepts line protocol clients until the hub's context ends.
func serveTCP(hub *Hub, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-hub.ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	hub.logger.Info().Str("addr", ln.Addr().String()).Msg("[tcp] listening")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if hub.ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "tcp accept")
		}
		go handleTCP(hub, nc)
	}
}

func handleTCP(hub *Hub, nc net.Conn) {
	nc.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := nc.Write(transport.EncodeLine(transport.LineGreeting, "")); err != nil {
		hub.logger.Debug().Err(err).Msg("[tcp] greeting")
		nc.Close()
		return
	}
	client := newClient(hub, nil, ProtoTCP)
	client.nc = nc
	select {
	case hub.register <- client:
	case <-hub.ctx.Done():
		nc.Close()
		return
	}

	go client.tcpWritePump()
	go client.tcpReadPump()
}

func (c *Client) tcpWritePump() {
	defer c.nc.Close()
	for line := range c.send {
		c.nc.SetWriteDeadline(time.Now().Add(writeWait))
		if _, err := c.nc.Write(line); err != nil {
			return
		}
	}
}

// tcpReadPump reads one request per line. End, EOF or a line over the read
// limit ends the connection.
func (c *Client) tcpReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.nc.Close()
	}()
	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 4096), int(c.hub.config.ReadLimit()))
	for scanner.Scan() {
		line := scanner.Text()
		if cmd, _ := transport.DecodeLine(line); cmd == transport.LineEnd {
			c.hub.logger.Debug().Str("client", c.id).Msg("[tcp] end")
			return
		}
		if a, ok := decodeLine(line); ok {
			c.post(a)
		} else {
			c.hub.logger.Debug().Str("client", c.id).Msg("[tcp] ignoring line")
		}
	}
	if err := scanner.Err(); err != nil {
		c.hub.logger.Debug().Err(err).Str("client", c.id).Msg("[tcp] read")
	}
}
