package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_MessageStatus_Advances(t *testing.T) {
	tcs := []struct {
		from MessageStatus
		to   MessageStatus
		exp  bool
	}{
		{StatusSending, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusSending, StatusFailed, true},
		{StatusSent, StatusSending, false},
		{StatusRead, StatusDelivered, false},
		{StatusSent, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusDelivered, StatusDelivered, false},
	}
	for _, tc := range tcs {
		assert.Equal(t, tc.exp, tc.from.Advances(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func Test_Message_Tombstone(t *testing.T) {
	m := &Message{
		ID:   "m1",
		Kind: TextMessage,
		Body: MessageBody{Text: "secret"},
	}
	at := time.Now()
	m.Tombstone(at)
	assert.True(t, m.Deleted)
	assert.Equal(t, MessageBody{}, m.Body)
	assert.Equal(t, TextMessage, m.Kind)
	assert.Equal(t, "m1", m.ID)
}

func Test_DirectRoomID(t *testing.T) {
	assert.Equal(t, DirectRoomID("alice", "bob"), DirectRoomID("bob", "alice"))
	assert.NotEqual(t, DirectRoomID("alice", "bob"), DirectRoomID("alice", "carol"))
}
