package xmpp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackConn(t *testing.T) Conn {
	t.Helper()

	conn, err := NewLoopbackDialer().Dial("loopback")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestLoopbackConn_Authenticate(t *testing.T) {
	conn := newLoopbackConn(t)

	assert.NoError(t, conn.Authenticate("alice", "secret", "gateway"))
	assert.Error(t, conn.Authenticate("", "secret", "gateway"), "expected an empty username to be rejected")
}

func TestLoopbackConn_RosterSetEcho(t *testing.T) {
	conn := newLoopbackConn(t)

	_, err := conn.Send(RosterSetStanza{Address: "bob@example.com", Name: "Bob", Groups: []string{"friends"}})
	require.NoError(t, err)

	ev := <-conn.Events()
	push, ok := ev.(RosterEvent)
	require.True(t, ok, "expected a roster push, got %T", ev)
	assert.True(t, push.Set)
	require.Len(t, push.Items, 1)
	assert.Equal(t, "bob@example.com", push.Items[0].Address)
	assert.Equal(t, "Bob", push.Items[0].Name)
	assert.Equal(t, "to", push.Items[0].Subscription)

	_, err = conn.Send(RosterSetStanza{Address: "bob@example.com", Remove: true})
	require.NoError(t, err)

	ev = <-conn.Events()
	push, ok = ev.(RosterEvent)
	require.True(t, ok, "expected a roster push, got %T", ev)
	require.Len(t, push.Items, 1)
	assert.Equal(t, "remove", push.Items[0].Subscription)
}

func TestLoopbackConn_ReceiptAck(t *testing.T) {
	conn := newLoopbackConn(t)

	wireId, err := conn.Send(MessageStanza{To: "bob@example.com", Type: "chat", Body: "hi", RequestReceipt: true})
	require.NoError(t, err)

	ev := <-conn.Events()
	ack, ok := ev.(MessageEvent)
	require.True(t, ok, "expected a receipt ack, got %T", ev)
	assert.Equal(t, "bob@example.com", ack.From)
	assert.Equal(t, wireId, ack.ReceiptAckId)
}

func TestLoopbackConn_SubscribeGranted(t *testing.T) {
	conn := newLoopbackConn(t)

	_, err := conn.Send(PresenceStanza{To: "bob@example.com", Type: "subscribe"})
	require.NoError(t, err)

	ev := <-conn.Events()
	granted, ok := ev.(PresenceEvent)
	require.True(t, ok, "expected a presence, got %T", ev)
	assert.Equal(t, "subscribed", granted.Type)

	ev = <-conn.Events()
	avail, ok := ev.(PresenceEvent)
	require.True(t, ok, "expected a presence, got %T", ev)
	assert.Equal(t, "bob@example.com/loopback", avail.From)
	assert.Equal(t, 1, avail.Priority)
}

func TestLoopbackConn_SendAfterClose(t *testing.T) {
	conn := newLoopbackConn(t)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close(), "close is idempotent")

	_, err := conn.Send(MessageStanza{To: "bob@example.com", Type: "chat", Body: "hi"})
	assert.Error(t, err)
}
