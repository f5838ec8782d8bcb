package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-db/skald/pkg/command"
)

func TestWriteThenReadMessageRoundTrips(t *testing.T) {
	msg := command.Message{
		MethodLine: "testcommand",
		Headers: []command.Header{
			{Name: "writeConsistency", Value: "QUORUM"},
		},
		Body: []byte(`{"k":"v"}`),
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteMessage(w, msg))

	r := bufio.NewReader(&buf)
	got, err := ReadMessage(r)
	require.NoError(t, err)

	assert.Equal(t, msg.MethodLine, got.MethodLine)
	assert.Equal(t, msg.Body, got.Body)
	v, ok := got.Header("writeConsistency")
	assert.True(t, ok)
	assert.Equal(t, "QUORUM", v)
	_, ok = got.Header("Content-Length")
	assert.True(t, ok)
}

func TestReadMessageIncompleteWithoutTrailingNewline(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("testcommand")))
	_, err := ReadMessage(r)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestReadMessageLeavesUnreadBytesForNextRequest(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteMessage(w, command.Message{MethodLine: "ping"}))
	require.NoError(t, WriteMessage(w, command.Message{MethodLine: "pong"}))

	r := bufio.NewReader(&buf)
	first, err := ReadMessage(r)
	require.NoError(t, err)
	assert.Equal(t, "ping", first.MethodLine)

	second, err := ReadMessage(r)
	require.NoError(t, err)
	assert.Equal(t, "pong", second.MethodLine)
}

func TestStatus(t *testing.T) {
	msg := Status("202 Successfully queued")
	assert.Equal(t, "202 Successfully queued", msg.MethodLine)
	assert.Empty(t, msg.Body)
}

func TestEncode(t *testing.T) {
	data := Encode(command.Message{MethodLine: "200 OK"})
	assert.Contains(t, string(data), "200 OK\n")
}
