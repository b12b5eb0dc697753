package gateway

import (
	"io"
	"log/slog"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/mew-gateway/internal/envelope"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnvelope() *envelope.Envelope {
	return &envelope.Envelope{Protocol: "mew/v0.4", ID: "e1", From: "alice", Kind: "chat"}
}

func TestSendAfterCloseFails(t *testing.T) {
	c := newWSConn(nil, quietLog())
	require.NoError(t, c.Close())
	// The buffer has room, but the sink is closed.
	assert.ErrorIs(t, c.Send(testEnvelope()), errSinkClosed)
}

func TestSendReportsSlowConsumer(t *testing.T) {
	c := newWSConn(nil, quietLog())
	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, c.Send(testEnvelope()))
	}
	assert.ErrorIs(t, c.Send(testEnvelope()), ErrSlowConsumer)
}

func TestFailClosesWithInternalError(t *testing.T) {
	c := newWSConn(nil, quietLog())
	c.Fail()
	assert.Equal(t, websocket.CloseInternalServerErr, c.closeCode)
	assert.ErrorIs(t, c.Send(testEnvelope()), errSinkClosed)
}
