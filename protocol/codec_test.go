package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	c := NewCodec(&buf, 0)
	require.NoError(t, c.WriteMessage(&Heartbeat{Type: TypeHeartbeat, WorkerID: "w1", Status: "idle"}))

	raw := buf.Bytes()
	require.GreaterOrEqual(t, len(raw), HeaderLength)
	assert.Equal(t, fmt.Sprintf("%010d", len(raw)-HeaderLength), string(raw[:HeaderLength]))

	body, err := c.ReadFrame()
	require.NoError(t, err)
	var hb Heartbeat
	require.NoError(t, json.Unmarshal(body, &hb))
	assert.Equal(t, "w1", hb.WorkerID)
}

func TestReadFrameHeaderValidation(t *testing.T) {
	t.Parallel()
	c := NewCodec(bytes.NewBufferString("00000000x1{}"), 0)
	_, err := c.ReadFrame()
	assert.ErrorIs(t, err, ErrMalformedHeader)

	c = NewCodec(bytes.NewBufferString("0000000000"), 0)
	_, err = c.ReadFrame()
	assert.ErrorIs(t, err, errEmptyFrame)

	c = NewCodec(bytes.NewBufferString("0000000100{}"), 16)
	_, err = c.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameShortBody(t *testing.T) {
	t.Parallel()
	c := NewCodec(bytes.NewBufferString("0000000010{\"a\""), 0)
	_, err := c.ReadFrame()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteMessageOverCap(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	c := NewCodec(&buf, 8)
	err := c.WriteMessage(&Register{Type: TypeRegister, Name: "much too long"})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len())
}

// A frame split across many small network writes must still arrive whole.
func TestReadFramePartialDelivery(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload, err := json.Marshal(&RequestJob{Type: TypeRequestJob, WorkerID: "w9"})
	require.NoError(t, err)
	frame := append([]byte(fmt.Sprintf("%010d", len(payload))), payload...)

	go func() {
		for _, b := range frame {
			if _, err := client.Write([]byte{b}); err != nil {
				return
			}
			time.Sleep(time.Microsecond)
		}
	}()

	body, err := NewCodec(server, 0).ReadFrame()
	require.NoError(t, err)
	var req RequestJob
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "w9", req.WorkerID)
}
