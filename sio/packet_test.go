package sio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEnginePackets(t *testing.T) {
	p, err := Decode([]byte("2"))
	require.NoError(t, err)
	require.Equal(t, EnginePing, p.Engine)
	require.Nil(t, p.Data)

	p, err = Decode([]byte(`0{"sid":"abc","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`))
	require.NoError(t, err)
	hs, err := p.Handshake()
	require.NoError(t, err)
	require.Equal(t, "abc", hs.SID)
	require.Equal(t, 25000, hs.PingInterval)
	require.Equal(t, 20000, hs.PingTimeout)

	_, err = Decode(nil)
	require.ErrorIs(t, err, ErrEmptyPacket)

	_, err = Decode([]byte("9"))
	require.Error(t, err)
}

func TestDecodeSocketPackets(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		socket    SocketType
		namespace string
		ackID     int
		data      string
	}{
		{name: "connect ack", frame: `40{"sid":"x"}`, socket: SocketConnect, namespace: "/", ackID: -1, data: `{"sid":"x"}`},
		{name: "disconnect", frame: `41`, socket: SocketDisconnect, namespace: "/", ackID: -1},
		{name: "event", frame: `42["BoardInfo",{"payload":[]}]`, socket: SocketEvent, namespace: "/", ackID: -1, data: `["BoardInfo",{"payload":[]}]`},
		{name: "namespaced event with ack", frame: `42/chat,7["hi"]`, socket: SocketEvent, namespace: "/chat", ackID: 7, data: `["hi"]`},
		{name: "namespace only", frame: `40/admin`, socket: SocketConnect, namespace: "/admin", ackID: -1},
		{name: "connect error", frame: `44{"message":"nope"}`, socket: SocketConnectError, namespace: "/", ackID: -1, data: `{"message":"nope"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			require.Equal(t, EngineMessage, p.Engine)
			require.Equal(t, tt.socket, p.Socket)
			require.Equal(t, tt.namespace, p.Namespace)
			if tt.ackID < 0 {
				require.Nil(t, p.AckID)
			} else {
				require.NotNil(t, p.AckID)
				require.Equal(t, tt.ackID, *p.AckID)
			}
			if tt.data == "" {
				require.Nil(t, p.Data)
			} else {
				require.JSONEq(t, tt.data, string(p.Data))
			}
		})
	}
}

func TestDecodeRejectsBinaryAndGarbage(t *testing.T) {
	_, err := Decode([]byte(`451-["img",{"_placeholder":true,"num":0}]`))
	require.ErrorIs(t, err, ErrBinaryUnsupported)

	_, err = Decode([]byte(`42["unterminated"`))
	require.Error(t, err)

	_, err = Decode([]byte(`4`))
	require.ErrorIs(t, err, ErrEmptyPacket)
}

func TestEventRoundTrip(t *testing.T) {
	frame, err := EncodeEvent("SendMessage", map[string]string{"username": "alice", "message": "hi"})
	require.NoError(t, err)
	require.Equal(t, `42["SendMessage",{"message":"hi","username":"alice"}]`, string(frame))

	p, err := Decode(frame)
	require.NoError(t, err)
	name, args, err := p.Event()
	require.NoError(t, err)
	require.Equal(t, "SendMessage", name)
	require.Len(t, args, 1)

	var body map[string]string
	require.NoError(t, json.Unmarshal(args[0], &body))
	require.Equal(t, "hi", body["message"])

	_, _, err = Packet{Engine: EnginePing}.Event()
	require.ErrorIs(t, err, ErrNotEvent)
}

func TestEncodeHandshakeAndConnect(t *testing.T) {
	frame, err := EncodeOpen(Handshake{SID: "s1", PingInterval: 100, PingTimeout: 50})
	require.NoError(t, err)
	require.Equal(t, byte('0'), frame[0])

	p, err := Decode(frame)
	require.NoError(t, err)
	hs, err := p.Handshake()
	require.NoError(t, err)
	require.Equal(t, "s1", hs.SID)
	require.Equal(t, []string{}, hs.Upgrades)

	frame, err = EncodeConnect(nil)
	require.NoError(t, err)
	require.Equal(t, "40", string(frame))

	frame, err = EncodeConnect(map[string]string{"sid": "s1"})
	require.NoError(t, err)
	require.Equal(t, `40{"sid":"s1"}`, string(frame))

	require.Equal(t, "3", string(Encode(EnginePong, nil)))
	require.Equal(t, "nope", Packet{Data: json.RawMessage(`{"message":"nope"}`)}.ConnectError())
}
