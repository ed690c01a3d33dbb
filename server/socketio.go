package main

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/puyokura/boardchat/sio"
)

const (
	sioPingInterval = 25 * time.Second
	sioPingTimeout  = 20 * time.Second
	sioConnectWait  = 10 * time.Second
)

// serveSocketIO handles Socket.IO clients on the websocket transport.
// Long polling is not offered.
func serveSocketIO(hub *Hub, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}
	if q.Get("transport") != "websocket" || !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "only the websocket transport is supported", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Debug().Err(err).Msg("[socketio] upgrade")
		return
	}
	if err := acceptSocketIO(conn, hub.config.ReadLimit()); err != nil {
		hub.logger.Debug().Err(err).Msg("[socketio] handshake")
		conn.Close()
		return
	}

	client := newClient(hub, conn, ProtoSocketIO)
	select {
	case hub.register <- client:
	case <-hub.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump(func() error {
		return conn.WriteMessage(websocket.TextMessage, sio.Encode(sio.EnginePing, nil))
	}, sioPingInterval)
	go client.readPump(sioPingInterval+sioPingTimeout, func(data []byte) bool {
		p, err := sio.Decode(data)
		if err != nil {
			hub.logger.Debug().Err(err).Str("client", client.id).Msg("[socketio] bad packet")
			return true
		}
		switch p.Engine {
		case sio.EngineClose:
			return false
		case sio.EngineMessage:
			if p.Socket == sio.SocketDisconnect {
				return false
			}
			if a, ok := decodeEvent(p); ok {
				client.post(a)
			}
		}
		return true
	})
}

// acceptSocketIO sends OPEN and answers the client's CONNECT for the
// default namespace.
func acceptSocketIO(conn *websocket.Conn, maxPayload int64) error {
	deadline := time.Now().Add(sioConnectWait)
	open, err := sio.EncodeOpen(sio.Handshake{
		SID:          uuid.NewString(),
		PingInterval: int(sioPingInterval / time.Millisecond),
		PingTimeout:  int(sioPingTimeout / time.Millisecond),
		MaxPayload:   int(maxPayload),
	})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, open); err != nil {
		return err
	}

	conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		p, err := sio.Decode(data)
		if err != nil || p.Engine != sio.EngineMessage || p.Socket != sio.SocketConnect {
			continue
		}
		var reply []byte
		if p.Namespace != "/" {
			reply = append([]byte("44"+p.Namespace+","), `{"message":"Invalid namespace"}`...)
		} else if reply, err = sio.EncodeConnect(map[string]string{"sid": uuid.NewString()}); err != nil {
			return err
		}
		conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			return err
		}
		if p.Namespace != "/" {
			continue
		}
		conn.SetReadDeadline(time.Time{})
		return nil
	}
}
