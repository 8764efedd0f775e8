package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameReaderTwoFramesInOneChunk(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go func() {
		clientSide.Write([]byte(`{"action":"presence"}` + "\n" + `{"action":"exit"}` + "\n"))
	}()

	reader := NewFrameReader(serverSide)

	msg, err := reader.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ActionPresence, msg.Action())

	msg, err = reader.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ActionExit, msg.Action())
}

func TestFrameReaderSkipsEmptyLines(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go func() {
		clientSide.Write([]byte("\n\r\n" + `{"action":"exit"}` + "\n"))
	}()

	reader := NewFrameReader(serverSide)
	msg, err := reader.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ActionExit, msg.Action())
}

// Таймаут не должен терять уже принятую часть кадра: следующий вызов
// дочитывает кадр с того же места.
func TestFrameReaderTimeoutKeepsPartialFrame(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go func() {
		clientSide.Write([]byte(`{"action":`))
	}()

	reader := NewFrameReader(serverSide)

	_, err := reader.ReadFrame(100 * time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)

	go func() {
		clientSide.Write([]byte(`"message"}` + "\n"))
	}()

	msg, err := reader.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ActionMessage, msg.Action())
}

func TestFrameReaderMalformedFrame(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go func() {
		clientSide.Write([]byte("definitely not json\n"))
	}()

	reader := NewFrameReader(serverSide)
	_, err := reader.ReadFrame(time.Second)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestWriteFrameReadFrame(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	sent := Message{KeyAction: ActionMessage, KeyFrom: "alice", KeyTo: "bob", KeyMessageText: "hi"}
	go func() {
		_ = WriteFrame(clientSide, sent, time.Second)
	}()

	reader := NewFrameReader(serverSide)
	got, err := reader.ReadFrame(time.Second)
	require.NoError(t, err)
	assert.Equal(t, sent, got)
}
