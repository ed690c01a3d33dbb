package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageDecodeBoard(t *testing.T) {
	raw := `[
		{"username":"alice","message":"hi","timestamp":"2024-05-01T10:30:00Z"},
		{"username":"bob","image_data":"aGVsbG8=","timestamp":"2024-05-01 10:31:00"},
		{"username":"Server","message":"carol joined."}
	]`

	var msgs []Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msgs))
	require.Len(t, msgs, 3)

	require.Equal(t, "alice", msgs[0].Username)
	require.Equal(t, "hi", msgs[0].Message)
	require.True(t, msgs[0].Timestamp.Equal(time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)))

	require.True(t, msgs[1].IsImage())
	require.Equal(t, time.Date(2024, 5, 1, 10, 31, 0, 0, time.Local), msgs[1].Timestamp.Time)

	require.True(t, msgs[2].Timestamp.IsZero())
}

func TestMessageDecodeMalformedRecords(t *testing.T) {
	raw := `[
		{"username":"alice","message":42},
		"not an object",
		null,
		{"username":["x"],"image_data":true,"timestamp":"yesterday"},
		{"username":"bob","message":"still here"}
	]`

	var msgs []Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msgs))
	require.Len(t, msgs, 5)

	require.Equal(t, Message{Username: "alice"}, msgs[0])
	require.Equal(t, Message{}, msgs[1])
	require.Equal(t, Message{}, msgs[2])
	require.Equal(t, Message{}, msgs[3])
	require.Equal(t, "still here", msgs[4].Message)
}

func TestMessageEncodeOmitsAbsentFields(t *testing.T) {
	b, err := json.Marshal(Message{Username: ServerName, Message: "bye"})
	require.NoError(t, err)
	require.JSONEq(t, `{"username":"Server","message":"bye"}`, string(b))

	ts := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	b, err = json.Marshal(Message{Username: "a", ImageData: "eA==", Timestamp: NewTimestamp(ts)})
	require.NoError(t, err)
	require.JSONEq(t, `{"username":"a","image_data":"eA==","timestamp":"2024-05-01T10:30:00Z"}`, string(b))
}

func TestStripDataURI(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "png data uri", in: "data:image/png;base64,AAAA", want: "AAAA"},
		{name: "jpeg data uri", in: "data:image/jpeg;base64,BBBB", want: "BBBB"},
		{name: "bare base64", in: "CCCC", want: "CCCC"},
		{name: "data uri without base64 marker", in: "data:,DDDD", want: "DDDD"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, StripDataURI(tt.in))
		})
	}

	require.Equal(t, "EEEE", StripDataURI(PNGDataURI("EEEE")))
}

func TestParseTime(t *testing.T) {
	require.True(t, ParseTime("").IsZero())
	require.True(t, ParseTime("12:00").IsZero())
	require.False(t, ParseTime("2024-05-01T10:30:00.123+09:00").IsZero())
	require.Equal(t, 10, ParseTime(" 2024-05-01 10:30:00 ").Hour())
}

func TestIsReservedName(t *testing.T) {
	require.True(t, IsReservedName(ServerName))
	require.True(t, IsReservedName(AssistantName))
	require.False(t, IsReservedName("server"))
	require.False(t, IsReservedName("alice"))
	require.False(t, IsReservedName(""))
}
