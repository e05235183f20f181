package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore implements StorePort. Writes are single-row and idempotent:
// messages dedupe on the client-supplied key, reactions upsert, status
// transitions only move forward.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) PersistMessage(ctx context.Context, m *Message) (*Message, bool, error) {
	body, err := json.Marshal(m.Body)
	if err != nil {
		return nil, false, fmt.Errorf("marshal body: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	if m.DedupeID != "" {
		prev, err := s.messageByDedupe(ctx, tx, m.Sender, m.DedupeID)
		if err != nil {
			return nil, false, err
		}
		if prev != nil {
			prevBody, _ := json.Marshal(prev.Body)
			if string(prevBody) != string(body) {
				return nil, false, NewError(KindConflict, "dedupe key reused with a different body")
			}
			return prev, false, nil
		}
	}

	query := `INSERT INTO messages
		(id, room_id, sender, kind, body, reply_to, status, seq, dedupe_key, sent_at)
		VALUES (@id, @room_id, @sender, @kind, @body, @reply_to, @status, @seq, @dedupe_key, @sent_at)`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("id", m.ID),
		sql.Named("room_id", m.RoomID),
		sql.Named("sender", m.Sender),
		sql.Named("kind", string(m.Kind)),
		sql.Named("body", string(body)),
		sql.Named("reply_to", m.ReplyTo),
		sql.Named("status", string(StatusSent)),
		sql.Named("seq", m.Seq),
		sql.Named("dedupe_key", m.DedupeID),
		sql.Named("sent_at", m.SentAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("ExecContext(insert message): %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("Commit: %w", err)
	}
	return m, true, nil
}

func (s *SQLiteStore) messageByDedupe(ctx context.Context, tx *sql.Tx, sender, dedupe string) (*Message, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, room_id, sender, kind, body, reply_to, status, seq, sent_at
		 FROM messages WHERE sender = @sender AND dedupe_key = @dedupe`,
		sql.Named("sender", sender), sql.Named("dedupe", dedupe))
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	m := &Message{}
	var kind, body, status string
	if err := row.Scan(&m.ID, &m.RoomID, &m.Sender, &kind, &body,
		&m.ReplyTo, &status, &m.Seq, &m.SentAt); err != nil {
		return nil, err
	}
	m.Kind = MessageKind(kind)
	m.Status = MessageStatus(status)
	if err := json.Unmarshal([]byte(body), &m.Body); err != nil {
		return nil, fmt.Errorf("unmarshal body: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, messageID string, status MessageStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM messages WHERE id = @id", sql.Named("id", messageID)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMsgNotFound
	}
	if err != nil {
		return fmt.Errorf("QueryRowContext: %w", err)
	}
	// Regressions are ignored, not errors; retried side effects land here.
	if !MessageStatus(current).Advances(status) {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE messages SET status = @status WHERE id = @id",
		sql.Named("status", string(status)), sql.Named("id", messageID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpsertReaction(ctx context.Context, messageID, identity, emoji string, present bool) error {
	var err error
	if present {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO reactions (message_id, identity, emoji)
			 VALUES (@message_id, @identity, @emoji) ON CONFLICT DO NOTHING`,
			sql.Named("message_id", messageID),
			sql.Named("identity", identity),
			sql.Named("emoji", emoji))
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM reactions
			 WHERE message_id = @message_id AND identity = @identity AND emoji = @emoji`,
			sql.Named("message_id", messageID),
			sql.Named("identity", identity),
			sql.Named("emoji", emoji))
	}
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkEdited(ctx context.Context, messageID string, body MessageBody, at time.Time) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET body = @body, edited = 1, edited_at = @at WHERE id = @id AND deleted = 0",
		sql.Named("body", string(raw)), sql.Named("at", at), sql.Named("id", messageID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMsgNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkDeleted(ctx context.Context, messageID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET body = '{}', deleted = 1, edited_at = @at WHERE id = @id",
		sql.Named("at", at), sql.Named("id", messageID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMsgNotFound
	}
	return nil
}

func (s *SQLiteStore) LoadHistory(ctx context.Context, roomID string, cursor uint64, limit int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender, kind, body, reply_to, status, seq, sent_at
		 FROM messages WHERE room_id = @room_id AND seq > @cursor AND deleted = 0
		 ORDER BY seq ASC LIMIT @limit`,
		sql.Named("room_id", roomID), sql.Named("cursor", cursor), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	page := &HistoryPage{}
	var ids []string
	byID := make(map[string]*Message)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanMessage: %w", err)
		}
		page.Messages = append(page.Messages, *m)
		ids = append(ids, m.ID)
		byID[m.ID] = &page.Messages[len(page.Messages)-1]
		page.NextCursor = m.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	if len(ids) == 0 {
		page.NextCursor = cursor
		return page, nil
	}

	values := make([]interface{}, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	rrows, err := s.db.QueryContext(ctx,
		"SELECT message_id, identity, emoji FROM reactions WHERE message_id IN ("+
			strings.Repeat("?,", len(ids)-1)+"?)", values...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext(reactions): %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var messageID, identity, emoji string
		if err := rrows.Scan(&messageID, &identity, &emoji); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		m := byID[messageID]
		if m == nil {
			continue
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string]map[string]bool)
		}
		if m.Reactions[emoji] == nil {
			m.Reactions[emoji] = make(map[string]bool)
		}
		m.Reactions[emoji][identity] = true
	}
	return page, rrows.Err()
}

func (s *SQLiteStore) RecordStreamSnapshot(ctx context.Context, snap *StreamSnapshot) error {
	reactions, err := json.Marshal(snap.Reactions)
	if err != nil {
		return fmt.Errorf("marshal reactions: %w", err)
	}
	query := `INSERT INTO stream_snapshots
		(stream_id, state, viewer_count, peak_viewers, total_views, reactions, donations, started_at, ended_at, recorded_at)
		VALUES (@stream_id, @state, @viewer_count, @peak_viewers, @total_views, @reactions, @donations, @started_at, @ended_at, @recorded_at)
		ON CONFLICT (stream_id) DO UPDATE SET
		state = excluded.state, viewer_count = excluded.viewer_count,
		peak_viewers = excluded.peak_viewers, total_views = excluded.total_views,
		reactions = excluded.reactions, donations = excluded.donations,
		started_at = excluded.started_at, ended_at = excluded.ended_at,
		recorded_at = excluded.recorded_at`
	_, err = s.db.ExecContext(ctx, query,
		sql.Named("stream_id", snap.StreamID),
		sql.Named("state", string(snap.State)),
		sql.Named("viewer_count", snap.ViewerCount),
		sql.Named("peak_viewers", snap.PeakViewers),
		sql.Named("total_views", snap.TotalViews),
		sql.Named("reactions", string(reactions)),
		sql.Named("donations", snap.Donations),
		sql.Named("started_at", snap.StartedAt),
		sql.Named("ended_at", snap.EndedAt),
		sql.Named("recorded_at", time.Now()),
	)
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddBan(ctx context.Context, ban *BanRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_bans (stream_id, identity, reason, expires_at)
		 VALUES (@stream_id, @identity, @reason, @expires_at)
		 ON CONFLICT (stream_id, identity) DO UPDATE SET
		 reason = excluded.reason, expires_at = excluded.expires_at`,
		sql.Named("stream_id", ban.StreamID),
		sql.Named("identity", ban.Identity),
		sql.Named("reason", ban.Reason),
		sql.Named("expires_at", ban.ExpiresAt))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveBan(ctx context.Context, streamID, identity string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM stream_bans WHERE stream_id = @stream_id AND identity = @identity",
		sql.Named("stream_id", streamID), sql.Named("identity", identity))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListBans(ctx context.Context, streamID string) ([]BanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT stream_id, identity, reason, expires_at FROM stream_bans WHERE stream_id = @stream_id",
		sql.Named("stream_id", streamID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()
	var bans []BanRecord
	for rows.Next() {
		var b BanRecord
		if err := rows.Scan(&b.StreamID, &b.Identity, &b.Reason, &b.ExpiresAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

func (s *SQLiteStore) RecordDonation(ctx context.Context, streamID string, d *Donation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO donations (stream_id, donor, amount, currency, message, sent_at)
		 VALUES (@stream_id, @donor, @amount, @currency, @message, @sent_at)`,
		sql.Named("stream_id", streamID),
		sql.Named("donor", d.Donor),
		sql.Named("amount", d.Amount),
		sql.Named("currency", d.Currency),
		sql.Named("message", d.Message),
		sql.Named("sent_at", d.SentAt))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}
