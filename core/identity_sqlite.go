package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrConflictedIdentity = errors.New("identity already exists")
	ErrBadCredentials     = errors.New("invalid credentials")
)

// Session is an issued bearer credential.
type Session struct {
	IdentityID string    `json:"identity_id"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SQLiteIdentityStore implements IdentityPort over the hub's sqlite file and
// HMAC bearer tokens. Deployments backed by the platform's identity service
// swap this for a client of that service; the hub only sees the port.
type SQLiteIdentityStore struct {
	db       *sql.DB
	secret   []byte
	tokenTTL time.Duration
}

func NewSQLiteIdentityStore(db *sql.DB, secret []byte, tokenTTL time.Duration) *SQLiteIdentityStore {
	return &SQLiteIdentityStore{db: db, secret: secret, tokenTTL: tokenTTL}
}

// CreateIdentity registers an identity with password credentials.
func (s *SQLiteIdentityStore) CreateIdentity(ctx context.Context, identity *Identity, password string) error {
	existing, err := s.Get(ctx, identity.ID)
	if err != nil && !IsKind(err, KindNotFound) {
		return fmt.Errorf("checking if identity exists: %w", err)
	}
	if existing != nil {
		return ErrConflictedIdentity
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	query := `INSERT INTO identities
		(id, handle, avatar_url, verified, is_private, dm_policy, bot_enabled, personality, password, last_seen)
		VALUES (@id, @handle, @avatar_url, @verified, @is_private, @dm_policy, @bot_enabled, @personality, @password, @last_seen)`
	_, err = s.db.ExecContext(ctx, query,
		sql.Named("id", identity.ID),
		sql.Named("handle", identity.Handle),
		sql.Named("avatar_url", identity.AvatarURL),
		sql.Named("verified", identity.Verified),
		sql.Named("is_private", identity.IsPrivate),
		sql.Named("dm_policy", string(identity.DMPolicy)),
		sql.Named("bot_enabled", identity.BotEnabled),
		sql.Named("personality", identity.Personality),
		sql.Named("password", string(hashed)),
		sql.Named("last_seen", time.Time{}),
	)
	if err != nil {
		return fmt.Errorf("creating identity: %w", err)
	}
	return nil
}

// NewSession checks credentials and issues a bearer token.
func (s *SQLiteIdentityStore) NewSession(ctx context.Context, id, password string) (*Session, error) {
	var hashed string
	err := s.db.QueryRowContext(ctx,
		"SELECT password FROM identities WHERE id = @id", sql.Named("id", id)).Scan(&hashed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("QueryRowContext: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}

	identity, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	token, exp, err := NewToken(identity, s.tokenTTL, s.secret)
	if err != nil {
		return nil, fmt.Errorf("NewToken: %w", err)
	}
	return &Session{IdentityID: id, Token: token, ExpiresAt: exp}, nil
}

// Verify implements IdentityPort.
func (s *SQLiteIdentityStore) Verify(ctx context.Context, token string) (*Identity, error) {
	claims, err := VerifyBearer(token, s.secret)
	if err != nil {
		return nil, WrapError(KindUnauthorized, "bearer rejected", err)
	}
	identity, err := s.Get(ctx, claims.IdentityID)
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// Get implements IdentityPort.
func (s *SQLiteIdentityStore) Get(ctx context.Context, id string) (*Identity, error) {
	query := `SELECT id, handle, avatar_url, verified, is_private, dm_policy, bot_enabled, personality
		FROM identities WHERE id = @id`
	row := s.db.QueryRowContext(ctx, query, sql.Named("id", id))
	identity := &Identity{}
	var policy string
	err := row.Scan(&identity.ID, &identity.Handle, &identity.AvatarURL,
		&identity.Verified, &identity.IsPrivate, &policy,
		&identity.BotEnabled, &identity.Personality)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewErrorf(KindNotFound, "identity %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("row.Scan: %w", err)
	}
	identity.DMPolicy = DMPolicy(policy)
	return identity, nil
}

// Relations implements IdentityPort.
func (s *SQLiteIdentityStore) Relations(ctx context.Context, id string) (*Relations, error) {
	identity, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rel := &Relations{
		Followers: make(map[string]bool),
		Following: make(map[string]bool),
		Blocked:   make(map[string]bool),
		DMPolicy:  identity.DMPolicy,
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT follower, followee FROM follows WHERE follower = @id OR followee = @id",
		sql.Named("id", id))
	if err != nil {
		return nil, fmt.Errorf("QueryContext(follows): %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var follower, followee string
		if err := rows.Scan(&follower, &followee); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		if followee == id {
			rel.Followers[follower] = true
		}
		if follower == id {
			rel.Following[followee] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	brows, err := s.db.QueryContext(ctx,
		"SELECT blocked FROM blocks WHERE blocker = @id", sql.Named("id", id))
	if err != nil {
		return nil, fmt.Errorf("QueryContext(blocks): %w", err)
	}
	defer brows.Close()
	for brows.Next() {
		var blocked string
		if err := brows.Scan(&blocked); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		rel.Blocked[blocked] = true
	}
	return rel, brows.Err()
}

// Follow and Block maintain the graph; exposed for seeding and tests.
func (s *SQLiteIdentityStore) Follow(ctx context.Context, follower, followee string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO follows (follower, followee) VALUES (@follower, @followee) ON CONFLICT DO NOTHING",
		sql.Named("follower", follower), sql.Named("followee", followee))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteIdentityStore) Block(ctx context.Context, blocker, blocked string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO blocks (blocker, blocked) VALUES (@blocker, @blocked) ON CONFLICT DO NOTHING",
		sql.Named("blocker", blocker), sql.Named("blocked", blocked))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

// TouchLastSeen implements IdentityPort; best effort.
func (s *SQLiteIdentityStore) TouchLastSeen(ctx context.Context, id string, at time.Time) {
	_, _ = s.db.ExecContext(ctx,
		"UPDATE identities SET last_seen = @at WHERE id = @id",
		sql.Named("at", at), sql.Named("id", id))
}
