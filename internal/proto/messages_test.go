package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte{},
		[]byte("x"),
		bytes.Repeat([]byte("a"), 65535),
	}
	for _, payload := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, payload))
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, len(payload), len(got))
		assert.True(t, bytes.Equal(payload, got))
	}
}

func TestWriteFramePayloadTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, 65536))
	require.Error(t, err)
	var tooLarge ErrPayloadTooLarge
	assert.ErrorAs(t, err, &tooLarge)
}

func TestReadFrameShortRead(t *testing.T) {
	// Header claims 10 bytes but only 3 follow.
	buf := bytes.NewBuffer([]byte{10, 0, 'a', 'b', 'c'})
	_, err := ReadFrame(buf)
	require.Error(t, err)
	var short ErrShortRead
	assert.ErrorAs(t, err, &short)
}

func TestReadFrameShortHeader(t *testing.T) {
	buf := bytes.NewBuffer([]byte{1})
	_, err := ReadFrame(buf)
	assert.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := RenderRequest{Type: ReqRender, ID: "scene-A", Frame: 7}
	require.NoError(t, WriteJSON(&buf, req))

	var got RenderRequest
	require.NoError(t, ReadJSON(&buf, &got))
	assert.Equal(t, req, got)
}
