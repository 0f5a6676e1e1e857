package message

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, msg *Message) *Message {
	t.Helper()
	parsed, err := Read(bytes.NewReader(msg.Serialize()))
	require.NoError(t, err)
	require.NotNil(t, parsed)
	return parsed
}

func TestRequestRoundTrip(t *testing.T) {
	msg := CreateRequestMessage(4, 16384, 16384)
	parsed := roundTrip(t, msg)

	index, begin, length, err := ReadRequestMessage(parsed)
	require.NoError(t, err)
	assert.Equal(t, 4, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, 16384, length)
}

func TestCancelMirrorsRequest(t *testing.T) {
	msg := CreateCancelMessage(1, 0, 1024)
	assert.Equal(t, Cancel, msg.ID)

	index, begin, length, err := ReadRequestMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, 0, begin)
	assert.Equal(t, 1024, length)
}

func TestHaveRoundTrip(t *testing.T) {
	parsed := roundTrip(t, CreateHaveMessage(42))
	index, err := ReadHaveMessage(parsed)
	require.NoError(t, err)
	assert.Equal(t, 42, index)

	_, err = ReadHaveMessage(&Message{ID: Have, Payload: []byte{0, 0}})
	assert.Error(t, err)
}

func TestPieceRoundTrip(t *testing.T) {
	block := []byte("hello block")
	parsed := roundTrip(t, CreatePieceMessage(7, 16384, block))

	index, begin, got, err := ReadPieceMessage(parsed)
	require.NoError(t, err)
	assert.Equal(t, 7, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, block, got)

	_, _, _, err = ReadPieceMessage(&Message{ID: Piece, Payload: []byte{0}})
	assert.Error(t, err)
}

func TestKeepAlive(t *testing.T) {
	var msg *Message
	buf := msg.Serialize()
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)

	parsed, err := Read(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Nil(t, parsed)
}

func TestReadRejectsOversizeFrame(t *testing.T) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(maxFrameLen+1))

	_, err := Read(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestReadTruncatedPayload(t *testing.T) {
	msg := CreateHaveMessage(3).Serialize()
	_, err := Read(bytes.NewReader(msg[:len(msg)-2]))
	require.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "KeepAlive", (*Message)(nil).String())
	assert.Equal(t, "Have [4]", CreateHaveMessage(1).String())
}
