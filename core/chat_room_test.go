package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatFixture struct {
	registry *Registry
	store    *memStore
	room     *ChatRoom
	alice    *Conn
	bob      *Conn
}

func newChatFixture(t *testing.T, kind RoomKind) *chatFixture {
	registry := NewRegistry(4)
	store := newMemStore()
	id := DirectRoomID("alice", "bob")
	if kind == GroupRoom {
		id = "group-1"
	}
	room := NewChatRoom(id, kind, "", []string{"alice", "bob"}, registry, store, ChatRoomConfig{
		EditWindow:   15 * time.Minute,
		DedupeWindow: 5 * time.Minute,
	})

	alice := newTestConn(1, "alice", 32)
	bob := newTestConn(2, "bob", 32)
	registry.Attach(alice)
	registry.Attach(bob)
	registry.Join(alice, room.ID)
	registry.Join(bob, room.ID)
	return &chatFixture{registry: registry, store: store, room: room, alice: alice, bob: bob}
}

func Test_ChatRoom_Send(t *testing.T) {
	fx := newChatFixture(t, DirectRoom)
	ctx := context.Background()

	m, err := fx.room.Send(ctx, SendInput{
		Sender:     "alice",
		Kind:       TextMessage,
		Body:       MessageBody{Text: "hi bob"},
		OriginConn: fx.alice.ID,
		CID:        "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Seq)
	// Bob is online, so the message advanced to delivered.
	assert.Equal(t, StatusDelivered, m.Status)

	aliceFrames := recvAll(fx.alice)
	require.Len(t, aliceFrames, 1)
	assert.Equal(t, KMessageCreated, aliceFrames[0].Kind)
	assert.Equal(t, "c1", aliceFrames[0].CID, "the origin connection's copy carries the cid")

	bobFrames := recvAll(fx.bob)
	require.Len(t, bobFrames, 1)
	assert.Empty(t, bobFrames[0].CID)
	assert.Equal(t, m.Seq, bobFrames[0].Seq)
}

func Test_ChatRoom_FanoutReachesConnectedMember(t *testing.T) {
	registry := NewRegistry(4)
	store := newMemStore()
	room := NewChatRoom(DirectRoomID("alice", "bob"), DirectRoom, "", []string{"alice", "bob"},
		registry, store, ChatRoomConfig{EditWindow: 15 * time.Minute, DedupeWindow: 5 * time.Minute})

	alice := newTestConn(1, "alice", 32)
	bob := newTestConn(2, "bob", 32)
	registry.Attach(alice)
	registry.Attach(bob)
	// Only alice joined; bob is connected but never sent a join.
	registry.Join(alice, room.ID)

	m, err := room.Send(context.Background(), SendInput{
		Sender:     "alice",
		Kind:       TextMessage,
		Body:       MessageBody{Text: "hi"},
		OriginConn: alice.ID,
		CID:        "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, m.Status, "bob's connection counts as delivery")

	bobFrames := recvAll(bob)
	require.Len(t, bobFrames, 1, "a connected member receives room events without joining")
	assert.Equal(t, KMessageCreated, bobFrames[0].Kind)
	assert.Empty(t, bobFrames[0].CID)

	// Alice is both joined and connected yet gets exactly one copy.
	aliceFrames := recvAll(alice)
	require.Len(t, aliceFrames, 1)
	assert.Equal(t, "c1", aliceFrames[0].CID)
}

func Test_ChatRoom_SendRejections(t *testing.T) {
	fx := newChatFixture(t, DirectRoom)
	ctx := context.Background()

	t.Run("non member", func(t *testing.T) {
		_, err := fx.room.Send(ctx, SendInput{Sender: "carol", Kind: TextMessage, Body: MessageBody{Text: "hi"}})
		assert.ErrorIs(t, err, ErrNotMember)
	})

	t.Run("empty body", func(t *testing.T) {
		_, err := fx.room.Send(ctx, SendInput{Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: "   "}})
		assert.True(t, IsKind(err, KindPolicyRejected))
	})

	t.Run("oversized body", func(t *testing.T) {
		long := make([]rune, maxTextRunes+1)
		for i := range long {
			long[i] = 'x'
		}
		_, err := fx.room.Send(ctx, SendInput{Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: string(long)}})
		assert.True(t, IsKind(err, KindPolicyRejected))
	})

	t.Run("attachment without url", func(t *testing.T) {
		_, err := fx.room.Send(ctx, SendInput{Sender: "alice", Kind: ImageMessage, Body: MessageBody{}})
		assert.True(t, IsKind(err, KindPolicyRejected))
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := fx.room.Send(ctx, SendInput{Sender: "alice", Kind: "gif", Body: MessageBody{Text: "x"}})
		assert.True(t, IsKind(err, KindBadFrame))
	})

	t.Run("muted", func(t *testing.T) {
		fx.room.Mute("bob", time.Now().Add(time.Minute))
		_, err := fx.room.Send(ctx, SendInput{Sender: "bob", Kind: TextMessage, Body: MessageBody{Text: "hi"}})
		assert.ErrorIs(t, err, ErrMuted)
	})
}

func Test_ChatRoom_SendDedupe(t *testing.T) {
	fx := newChatFixture(t, DirectRoom)
	ctx := context.Background()

	first, err := fx.room.Send(ctx, SendInput{
		Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: "once"}, DedupeID: "d1",
	})
	require.NoError(t, err)

	t.Run("retry returns the original", func(t *testing.T) {
		again, err := fx.room.Send(ctx, SendInput{
			Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: "once"}, DedupeID: "d1",
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, first.Seq, again.Seq)
	})

	t.Run("same key different body conflicts", func(t *testing.T) {
		_, err := fx.room.Send(ctx, SendInput{
			Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: "different"}, DedupeID: "d1",
		})
		assert.True(t, IsKind(err, KindConflict))
	})

	t.Run("other sender may reuse the key", func(t *testing.T) {
		m, err := fx.room.Send(ctx, SendInput{
			Sender: "bob", Kind: TextMessage, Body: MessageBody{Text: "mine"}, DedupeID: "d1",
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, m.ID)
	})
}

func Test_ChatRoom_SendPersistFailure(t *testing.T) {
	fx := newChatFixture(t, DirectRoom)
	fx.store.failPersist = assert.AnError

	_, err := fx.room.Send(context.Background(), SendInput{
		Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: "hi"},
	})
	assert.True(t, IsKind(err, KindPersistenceFailed))
	// Nothing was applied or fanned out.
	assert.Empty(t, recvAll(fx.alice))
	assert.Empty(t, recvAll(fx.bob))
}

func Test_ChatRoom_React(t *testing.T) {
	fx := newChatFixture(t, DirectRoom)
	ctx := context.Background()

	m, err := fx.room.Send(ctx, SendInput{Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: "hi"}})
	require.NoError(t, err)
	recvAll(fx.alice)
	recvAll(fx.bob)

	require.NoError(t, fx.room.React(ctx, "bob", m.ID, "🔥", true))
	frames := recvAll(fx.bob)
	require.Len(t, frames, 1)
	assert.Equal(t, KReactionChanged, frames[0].Kind)
	recvAll(fx.alice)

	t.Run("adding twice is a no-op", func(t *testing.T) {
		require.NoError(t, fx.room.React(ctx, "bob", m.ID, "🔥", true))
		assert.Empty(t, recvAll(fx.bob), "no fan-out for a no-op")
	})

	t.Run("removing a non-existent reaction succeeds silently", func(t *testing.T) {
		require.NoError(t, fx.room.React(ctx, "alice", m.ID, "👀", false))
		assert.Empty(t, recvAll(fx.alice))
	})

	t.Run("remove fans out", func(t *testing.T) {
		require.NoError(t, fx.room.React(ctx, "bob", m.ID, "🔥", false))
		frames := recvAll(fx.alice)
		require.Len(t, frames, 1)
		assert.Equal(t, KReactionChanged, frames[0].Kind)
	})

	t.Run("unknown message", func(t *testing.T) {
		err := fx.room.React(ctx, "bob", "nope", "🔥", true)
		assert.ErrorIs(t, err, ErrMsgNotFound)
	})
}

func Test_ChatRoom_Edit(t *testing.T) {
	fx := newChatFixture(t, DirectRoom)
	ctx := context.Background()

	m, err := fx.room.Send(ctx, SendInput{Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: "hee"}})
	require.NoError(t, err)
	recvAll(fx.alice)
	recvAll(fx.bob)

	t.Run("only the sender may edit", func(t *testing.T) {
		err := fx.room.Edit(ctx, "bob", m.ID, MessageBody{Text: "nope"})
		assert.True(t, IsKind(err, KindForbidden))
	})

	t.Run("within the window", func(t *testing.T) {
		require.NoError(t, fx.room.Edit(ctx, "alice", m.ID, MessageBody{Text: "hi"}))
		frames := recvAll(fx.bob)
		require.Len(t, frames, 1)
		assert.Equal(t, KMessageEdited, frames[0].Kind)
	})

	t.Run("past the window", func(t *testing.T) {
		fx.room.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
		err := fx.room.Edit(ctx, "alice", m.ID, MessageBody{Text: "late"})
		assert.ErrorIs(t, err, ErrEditWindow)
	})
}

func Test_ChatRoom_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("direct: only the sender", func(t *testing.T) {
		fx := newChatFixture(t, DirectRoom)
		m, err := fx.room.Send(ctx, SendInput{Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: "hi"}})
		require.NoError(t, err)

		err = fx.room.Delete(ctx, "bob", m.ID)
		assert.True(t, IsKind(err, KindForbidden))

		require.NoError(t, fx.room.Delete(ctx, "alice", m.ID))
	})

	t.Run("group: admin may delete", func(t *testing.T) {
		fx := newChatFixture(t, GroupRoom)
		m, err := fx.room.Send(ctx, SendInput{Sender: "bob", Kind: TextMessage, Body: MessageBody{Text: "hi"}})
		require.NoError(t, err)
		recvAll(fx.bob)

		// alice is the first member, hence the group admin.
		require.NoError(t, fx.room.Delete(ctx, "alice", m.ID))
		frames := recvAll(fx.bob)
		require.Len(t, frames, 1)
		assert.Equal(t, KMessageDeleted, frames[0].Kind)
	})
}

func Test_ChatRoom_MarkRead(t *testing.T) {
	fx := newChatFixture(t, DirectRoom)
	ctx := context.Background()

	m1, err := fx.room.Send(ctx, SendInput{Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: "one"}})
	require.NoError(t, err)
	m2, err := fx.room.Send(ctx, SendInput{Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: "two"}})
	require.NoError(t, err)
	recvAll(fx.alice)
	recvAll(fx.bob)

	require.NoError(t, fx.room.MarkRead(ctx, "bob", m2.ID))

	// The watermark covers both messages.
	assert.Equal(t, StatusRead, fx.room.messages[m1.ID].Status)
	assert.Equal(t, StatusRead, fx.room.messages[m2.ID].Status)

	// The counterpart observes the receipt.
	aliceFrames := recvAll(fx.alice)
	require.Len(t, aliceFrames, 1)
	assert.Equal(t, KReadReceipt, aliceFrames[0].Kind)
}

func Test_ChatRoom_GroupMembership(t *testing.T) {
	fx := newChatFixture(t, GroupRoom)

	t.Run("admin admits", func(t *testing.T) {
		require.NoError(t, fx.room.AddMember("alice", "carol"))
		assert.True(t, fx.room.IsMember("carol"))
	})

	t.Run("non-admin may not admit", func(t *testing.T) {
		err := fx.room.AddMember("bob", "dave")
		assert.ErrorIs(t, err, ErrNotModerator)
	})

	t.Run("member may leave on their own", func(t *testing.T) {
		require.NoError(t, fx.room.RemoveMember("carol", "carol"))
		assert.False(t, fx.room.IsMember("carol"))
	})
}

func Test_ChatRoom_Recent(t *testing.T) {
	fx := newChatFixture(t, DirectRoom)
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		_, err := fx.room.Send(ctx, SendInput{Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: text}})
		require.NoError(t, err)
	}

	recent := fx.room.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Body.Text)
	assert.Equal(t, "c", recent[1].Body.Text)
}

func Test_ChatRoom_SlowConsumerEviction(t *testing.T) {
	fx := newChatFixture(t, DirectRoom)
	ctx := context.Background()

	// Shrink bob's queue to overflow quickly and track his eviction. The
	// close callback runs on its own goroutine, so receive it with a timeout.
	closed := make(chan CloseReason, 1)
	slow := newTestConn(3, "bob", 1)
	slow.onClose = func(c *Conn, reason CloseReason) { closed <- reason }
	fx.registry.Attach(slow)
	fx.registry.Join(slow, fx.room.ID)

	_, err := fx.room.Send(ctx, SendInput{Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: "one"}})
	require.NoError(t, err)
	// The queue is full now; the next critical frame evicts.
	_, err = fx.room.Send(ctx, SendInput{Sender: "alice", Kind: TextMessage, Body: MessageBody{Text: "two"}})
	require.NoError(t, err)

	select {
	case reason := <-closed:
		assert.Equal(t, CloseSlowConsumer, reason)
	case <-time.After(time.Second):
		t.Fatal("close callback never ran")
	}
	assert.Equal(t, Closing, slow.State())

	// Non-critical events are shed without eviction on a congested queue.
	fast := newTestConn(4, "bob", 1)
	fx.registry.Attach(fast)
	fx.registry.Join(fast, fx.room.ID)
	fx.room.Emit(KTyping, TypingPayload{Identity: "alice", RoomID: fx.room.ID, Typing: true})
	fx.room.Emit(KTyping, TypingPayload{Identity: "alice", RoomID: fx.room.ID, Typing: true})
	assert.Equal(t, 1, fast.Dropped())
	assert.Equal(t, Active, fast.State())
}
