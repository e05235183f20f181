package core

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StoreFixture struct {
	*BaseFixture
	store *SQLiteStore
}

func NewStoreFixture(t *testing.T) *StoreFixture {
	base := NewBaseFixture(t)
	return &StoreFixture{
		BaseFixture: base,
		store:       NewSQLiteStore(base.db),
	}
}

func (fx *StoreFixture) message(roomID, sender, text string, seq uint64) *Message {
	return &Message{
		ID:     uuid.New().String(),
		RoomID: roomID,
		Sender: sender,
		Kind:   TextMessage,
		Body:   MessageBody{Text: text},
		Status: StatusSent,
		Seq:    seq,
		SentAt: time.Now(),
	}
}

func Test_SQLiteStore_PersistMessage(t *testing.T) {
	fx := NewStoreFixture(t)
	defer fx.tearDown()

	m := fx.message("room", "alice", "hello", 1)
	m.DedupeID = "d1"
	_, created, err := fx.store.PersistMessage(fx.ctx, m)
	require.NoError(t, err)
	assert.True(t, created)

	t.Run("same key same body returns the stored row", func(t *testing.T) {
		retry := fx.message("room", "alice", "hello", 9)
		retry.DedupeID = "d1"
		stored, created, err := fx.store.PersistMessage(fx.ctx, retry)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, m.ID, stored.ID)
		assert.Equal(t, m.Seq, stored.Seq)
	})

	t.Run("same key different body conflicts", func(t *testing.T) {
		other := fx.message("room", "alice", "different", 9)
		other.DedupeID = "d1"
		_, _, err := fx.store.PersistMessage(fx.ctx, other)
		assert.True(t, IsKind(err, KindConflict))
	})

	t.Run("keys are per sender", func(t *testing.T) {
		bobs := fx.message("room", "bob", "mine", 2)
		bobs.DedupeID = "d1"
		_, created, err := fx.store.PersistMessage(fx.ctx, bobs)
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("empty keys never collide", func(t *testing.T) {
		for seq := uint64(3); seq < 5; seq++ {
			_, created, err := fx.store.PersistMessage(fx.ctx, fx.message("room", "alice", "x", seq))
			require.NoError(t, err)
			assert.True(t, created)
		}
	})
}

func Test_SQLiteStore_UpdateStatus(t *testing.T) {
	fx := NewStoreFixture(t)
	defer fx.tearDown()

	m := fx.message("room", "alice", "hello", 1)
	_, _, err := fx.store.PersistMessage(fx.ctx, m)
	require.NoError(t, err)

	readBack := func() MessageStatus {
		page, err := fx.store.LoadHistory(fx.ctx, "room", 0, 10)
		require.NoError(t, err)
		require.Len(t, page.Messages, 1)
		return page.Messages[0].Status
	}

	require.NoError(t, fx.store.UpdateStatus(fx.ctx, m.ID, StatusDelivered))
	assert.Equal(t, StatusDelivered, readBack())

	t.Run("regressions are silently ignored", func(t *testing.T) {
		require.NoError(t, fx.store.UpdateStatus(fx.ctx, m.ID, StatusSent))
		assert.Equal(t, StatusDelivered, readBack())
	})

	t.Run("unknown message", func(t *testing.T) {
		assert.ErrorIs(t, fx.store.UpdateStatus(fx.ctx, "nope", StatusRead), ErrMsgNotFound)
	})
}

func Test_SQLiteStore_EditAndDelete(t *testing.T) {
	fx := NewStoreFixture(t)
	defer fx.tearDown()

	m := fx.message("room", "alice", "tpyo", 1)
	_, _, err := fx.store.PersistMessage(fx.ctx, m)
	require.NoError(t, err)

	require.NoError(t, fx.store.MarkEdited(fx.ctx, m.ID, MessageBody{Text: "typo"}, time.Now()))
	page, err := fx.store.LoadHistory(fx.ctx, "room", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "typo", page.Messages[0].Body.Text)

	require.NoError(t, fx.store.MarkDeleted(fx.ctx, m.ID, time.Now()))

	t.Run("deleted rows leave history", func(t *testing.T) {
		page, err := fx.store.LoadHistory(fx.ctx, "room", 0, 10)
		require.NoError(t, err)
		assert.Empty(t, page.Messages)
	})

	t.Run("deleted rows refuse edits", func(t *testing.T) {
		err := fx.store.MarkEdited(fx.ctx, m.ID, MessageBody{Text: "again"}, time.Now())
		assert.ErrorIs(t, err, ErrMsgNotFound)
	})

	t.Run("unknown message", func(t *testing.T) {
		assert.ErrorIs(t, fx.store.MarkEdited(fx.ctx, "nope", MessageBody{Text: "x"}, time.Now()), ErrMsgNotFound)
		assert.ErrorIs(t, fx.store.MarkDeleted(fx.ctx, "nope", time.Now()), ErrMsgNotFound)
	})
}

func Test_SQLiteStore_LoadHistory(t *testing.T) {
	fx := NewStoreFixture(t)
	defer fx.tearDown()

	var ids []string
	for seq := uint64(1); seq <= 5; seq++ {
		m := fx.message("room", "alice", "msg", seq)
		_, _, err := fx.store.PersistMessage(fx.ctx, m)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	_, _, err := fx.store.PersistMessage(fx.ctx, fx.message("other-room", "alice", "elsewhere", 1))
	require.NoError(t, err)
	require.NoError(t, fx.store.UpsertReaction(fx.ctx, ids[0], "bob", "🔥", true))
	require.NoError(t, fx.store.UpsertReaction(fx.ctx, ids[0], "carol", "🔥", true))

	t.Run("pages by seq cursor", func(t *testing.T) {
		page, err := fx.store.LoadHistory(fx.ctx, "room", 0, 2)
		require.NoError(t, err)
		require.Len(t, page.Messages, 2)
		assert.Equal(t, uint64(1), page.Messages[0].Seq)
		assert.Equal(t, uint64(2), page.NextCursor)

		page, err = fx.store.LoadHistory(fx.ctx, "room", page.NextCursor, 10)
		require.NoError(t, err)
		require.Len(t, page.Messages, 3)
		assert.Equal(t, uint64(5), page.NextCursor)
	})

	t.Run("reactions are folded in", func(t *testing.T) {
		page, err := fx.store.LoadHistory(fx.ctx, "room", 0, 10)
		require.NoError(t, err)
		first := page.Messages[0]
		require.Contains(t, first.Reactions, "🔥")
		assert.Len(t, first.Reactions["🔥"], 2)
	})

	t.Run("empty page keeps the cursor", func(t *testing.T) {
		page, err := fx.store.LoadHistory(fx.ctx, "room", 5, 10)
		require.NoError(t, err)
		assert.Empty(t, page.Messages)
		assert.Equal(t, uint64(5), page.NextCursor)
	})
}

func Test_SQLiteStore_Reactions(t *testing.T) {
	fx := NewStoreFixture(t)
	defer fx.tearDown()

	m := fx.message("room", "alice", "hello", 1)
	_, _, err := fx.store.PersistMessage(fx.ctx, m)
	require.NoError(t, err)

	// Adding twice is one row; removing clears it.
	require.NoError(t, fx.store.UpsertReaction(fx.ctx, m.ID, "bob", "🔥", true))
	require.NoError(t, fx.store.UpsertReaction(fx.ctx, m.ID, "bob", "🔥", true))
	page, err := fx.store.LoadHistory(fx.ctx, "room", 0, 10)
	require.NoError(t, err)
	assert.Len(t, page.Messages[0].Reactions["🔥"], 1)

	require.NoError(t, fx.store.UpsertReaction(fx.ctx, m.ID, "bob", "🔥", false))
	page, err = fx.store.LoadHistory(fx.ctx, "room", 0, 10)
	require.NoError(t, err)
	assert.NotContains(t, page.Messages[0].Reactions, "🔥")
}

func Test_SQLiteStore_Bans(t *testing.T) {
	fx := NewStoreFixture(t)
	defer fx.tearDown()

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, fx.store.AddBan(fx.ctx, &BanRecord{
		StreamID: "stream", Identity: "troll", Reason: "spam",
	}))

	t.Run("re-ban updates in place", func(t *testing.T) {
		require.NoError(t, fx.store.AddBan(fx.ctx, &BanRecord{
			StreamID: "stream", Identity: "troll", Reason: "worse spam", ExpiresAt: expiry,
		}))
		bans, err := fx.store.ListBans(fx.ctx, "stream")
		require.NoError(t, err)
		require.Len(t, bans, 1)
		assert.Equal(t, "worse spam", bans[0].Reason)
		assert.True(t, bans[0].ExpiresAt.Equal(expiry))
	})

	t.Run("listing is per stream", func(t *testing.T) {
		require.NoError(t, fx.store.AddBan(fx.ctx, &BanRecord{StreamID: "other", Identity: "troll"}))
		bans, err := fx.store.ListBans(fx.ctx, "stream")
		require.NoError(t, err)
		assert.Len(t, bans, 1)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, fx.store.RemoveBan(fx.ctx, "stream", "troll"))
		bans, err := fx.store.ListBans(fx.ctx, "stream")
		require.NoError(t, err)
		assert.Empty(t, bans)
	})
}

func Test_SQLiteStore_StreamSnapshot(t *testing.T) {
	fx := NewStoreFixture(t)
	defer fx.tearDown()

	snap := &StreamSnapshot{
		StreamID:    "stream",
		State:       StreamLive,
		ViewerCount: 10,
		PeakViewers: 12,
		TotalViews:  40,
		Reactions:   map[string]int{"🔥": 3},
		StartedAt:   time.Now(),
	}
	require.NoError(t, fx.store.RecordStreamSnapshot(fx.ctx, snap))

	// The periodic flush upserts the same row.
	snap.State = StreamEnded
	snap.ViewerCount = 0
	snap.EndedAt = time.Now()
	require.NoError(t, fx.store.RecordStreamSnapshot(fx.ctx, snap))

	var state string
	var count int
	err := fx.db.QueryRowContext(fx.ctx,
		"SELECT state, viewer_count FROM stream_snapshots WHERE stream_id = 'stream'").
		Scan(&state, &count)
	require.NoError(t, err)
	assert.Equal(t, string(StreamEnded), state)
	assert.Equal(t, 0, count)

	var rowCount int
	require.NoError(t, fx.db.QueryRowContext(fx.ctx,
		"SELECT COUNT(*) FROM stream_snapshots").Scan(&rowCount))
	assert.Equal(t, 1, rowCount)
}

func Test_SQLiteStore_Donations(t *testing.T) {
	fx := NewStoreFixture(t)
	defer fx.tearDown()

	for _, amount := range []int64{500, 1200} {
		require.NoError(t, fx.store.RecordDonation(fx.ctx, "stream", &Donation{
			Donor: "alice", Amount: amount, Currency: "USD", SentAt: time.Now(),
		}))
	}

	var total int64
	err := fx.db.QueryRowContext(fx.ctx,
		"SELECT SUM(amount) FROM donations WHERE stream_id = 'stream'").Scan(&total)
	require.NoError(t, err)
	assert.Equal(t, int64(1700), total)
}
