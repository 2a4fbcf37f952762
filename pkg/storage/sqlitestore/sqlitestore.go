// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlitestore implements storage.Store on SQLite. Records are stored
// as JSON documents next to the columns the queries need (expiries, challenge
// and chain lookups), so the schema stays stable while entities evolve.
// Unlike the Redis backend nothing self-expires; the server's purge ticker
// calls PurgeExpired to delete elapsed rows.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/storage"
)

// Config holds the SQLite settings.
type Config struct {
	// Path is the database file path. Required.
	Path string
}

// Store implements storage.Store on a SQLite database file.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens the database, applies pragmas, and runs pending migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite database path is required")
	}

	dsn := "file:" + cfg.Path + "?" + url.Values{
		"_pragma": {"busy_timeout(5000)", "journal_mode(WAL)", "foreign_keys(1)"},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// The modernc driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn between the pool's connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks database reachability.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PurgeExpired deletes every row whose lifetime elapsed before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) error {
	cutoff := unixNano(now)
	for _, table := range []string{
		"sessions", "logins", "consents", "grants", "auth_codes",
		"access_tokens", "refresh_tokens", "device_codes", "logout_tickets", "jtis",
	} {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at > 0 AND expires_at <= ?`, cutoff,
		); err != nil {
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	return nil
}

// unixNano converts a timestamp for storage. Zero time maps to 0, meaning no
// expiry.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// getRecord runs a single-row query selecting the JSON document and
// unmarshals it. Missing rows surface as storage.ErrNotFound.
func (s *Store) getRecord(ctx context.Context, query, label string, into any, args ...any) error {
	var data []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, label)
		}
		return fmt.Errorf("failed to query %s: %w", label, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", label, err)
	}
	return nil
}

func marshalRecord(label string, record any) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", label, err)
	}
	return data, nil
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY constraint
// violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// --- Clients ---

// GetClient loads a client by id.
func (s *Store) GetClient(ctx context.Context, id string) (*entities.Client, error) {
	var c entities.Client
	if err := s.getRecord(ctx, `SELECT data FROM clients WHERE id = ?`, "client", &c, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutClient stores or replaces a client.
func (s *Store) PutClient(ctx context.Context, client *entities.Client) error {
	data, err := marshalRecord("client", client)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (id, data) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
		client.ID, data,
	)
	return err
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: client %q", storage.ErrNotFound, id)
	}
	return nil
}

// --- Sessions ---

// GetSession loads a browser session.
func (s *Store) GetSession(ctx context.Context, id string) (*entities.Session, error) {
	var sess entities.Session
	if err := s.getRecord(ctx, `SELECT data FROM sessions WHERE id = ?`, "session", &sess, id); err != nil {
		return nil, err
	}
	return &sess, nil
}

// PutSession stores or replaces a session.
func (s *Store) PutSession(ctx context.Context, session *entities.Session) error {
	data, err := marshalRecord("session", session)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, expires_at, data) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET expires_at = excluded.expires_at, data = excluded.data`,
		session.ID, unixNano(session.ExpiresAt), data,
	)
	return err
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// --- Logins ---

// GetLogin loads an authentication event.
func (s *Store) GetLogin(ctx context.Context, id string) (*entities.Login, error) {
	var l entities.Login
	if err := s.getRecord(ctx, `SELECT data FROM logins WHERE id = ?`, "login", &l, id); err != nil {
		return nil, err
	}
	return &l, nil
}

// PutLogin stores a login.
func (s *Store) PutLogin(ctx context.Context, login *entities.Login) error {
	data, err := marshalRecord("login", login)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO logins (id, expires_at, data) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET expires_at = excluded.expires_at, data = excluded.data`,
		login.ID, unixNano(login.ExpiresAt), data,
	)
	return err
}

// --- Consents ---

// GetConsent loads a consent.
func (s *Store) GetConsent(ctx context.Context, id string) (*entities.Consent, error) {
	var c entities.Consent
	if err := s.getRecord(ctx, `SELECT data FROM consents WHERE id = ?`, "consent", &c, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutConsent stores or replaces a consent.
func (s *Store) PutConsent(ctx context.Context, consent *entities.Consent) error {
	data, err := marshalRecord("consent", consent)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consents (id, client_id, user_id, created_at, expires_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			client_id = excluded.client_id, user_id = excluded.user_id,
			created_at = excluded.created_at, expires_at = excluded.expires_at,
			data = excluded.data`,
		consent.ID, consent.ClientID, consent.UserID,
		unixNano(consent.CreatedAt), unixNano(consent.ExpiresAt), data,
	)
	return err
}

// DeleteConsent removes a consent.
func (s *Store) DeleteConsent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM consents WHERE id = ?`, id)
	return err
}

// FindConsent returns the newest unexpired consent for the client/user pair.
func (s *Store) FindConsent(ctx context.Context, clientID, userID string) (*entities.Consent, error) {
	var c entities.Consent
	err := s.getRecord(ctx, `
		SELECT data FROM consents
		WHERE client_id = ? AND user_id = ? AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		"consent", &c, clientID, userID, unixNano(time.Now()),
	)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: consent for client %q", storage.ErrNotFound, clientID)
		}
		return nil, err
	}
	return &c, nil
}

// --- Grants ---

// GetGrant loads a grant by id.
func (s *Store) GetGrant(ctx context.Context, id string) (*entities.Grant, error) {
	var g entities.Grant
	if err := s.getRecord(ctx, `SELECT data FROM grants WHERE id = ?`, "grant", &g, id); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGrantByLoginChallenge resolves a grant from its login challenge.
func (s *Store) GetGrantByLoginChallenge(ctx context.Context, challenge string) (*entities.Grant, error) {
	var g entities.Grant
	err := s.getRecord(ctx, `SELECT data FROM grants WHERE login_challenge = ?`,
		"login challenge", &g, challenge)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGrantByConsentChallenge resolves a grant from its consent challenge.
func (s *Store) GetGrantByConsentChallenge(ctx context.Context, challenge string) (*entities.Grant, error) {
	var g entities.Grant
	err := s.getRecord(ctx, `SELECT data FROM grants WHERE consent_challenge = ?`,
		"consent challenge", &g, challenge)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGrant stores a new grant; the id and challenges must be fresh.
func (s *Store) CreateGrant(ctx context.Context, grant *entities.Grant) error {
	data, err := marshalRecord("grant", grant)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO grants (id, login_challenge, consent_challenge, version, expires_at, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		grant.ID, grant.LoginChallenge, grant.ConsentChallenge,
		grant.Version, unixNano(grant.ExpiresAt), data,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: grant %q", storage.ErrAlreadyExists, grant.ID)
		}
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

// UpdateGrant compare-and-sets on the grant version; the stored row and the
// caller's copy are both bumped on success.
func (s *Store) UpdateGrant(ctx context.Context, grant *entities.Grant) error {
	next := grant.Clone()
	next.Version = grant.Version + 1
	data, err := marshalRecord("grant", next)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE grants SET version = ?, expires_at = ?, data = ?
		WHERE id = ? AND version = ?`,
		next.Version, unixNano(next.ExpiresAt), data, grant.ID, grant.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a lost race from a missing grant.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM grants WHERE id = ?`, grant.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: grant %q", storage.ErrNotFound, grant.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to check grant: %w", err)
		}
		return fmt.Errorf("%w: grant %q version %d", storage.ErrConflict, grant.ID, grant.Version)
	}
	grant.Version++
	return nil
}

// DeleteGrant removes a grant.
func (s *Store) DeleteGrant(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE id = ?`, id)
	return err
}

// --- Authorization codes ---

// GetAuthorizationCode loads a code record.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*entities.AuthorizationCode, error) {
	var c entities.AuthorizationCode
	err := s.getRecord(ctx, `SELECT data FROM auth_codes WHERE code = ?`,
		"authorization code", &c, code)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// PutAuthorizationCode stores or replaces a code record.
func (s *Store) PutAuthorizationCode(ctx context.Context, code *entities.AuthorizationCode) error {
	data, err := marshalRecord("authorization code", code)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_codes (code, expires_at, data) VALUES (?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET expires_at = excluded.expires_at, data = excluded.data`,
		code.Code, unixNano(code.ExpiresAt), data,
	)
	return err
}

// DeleteAuthorizationCode removes a code record.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE code = ?`, code)
	return err
}

// --- Access tokens ---

// GetAccessToken loads an access token record.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*entities.AccessToken, error) {
	var t entities.AccessToken
	err := s.getRecord(ctx, `SELECT data FROM access_tokens WHERE token = ?`,
		"access token", &t, token)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// PutAccessToken stores or replaces an access token.
func (s *Store) PutAccessToken(ctx context.Context, token *entities.AccessToken) error {
	data, err := marshalRecord("access token", token)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO access_tokens (token, refresh_token_id, expires_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET
			refresh_token_id = excluded.refresh_token_id,
			expires_at = excluded.expires_at, data = excluded.data`,
		token.Token, token.RefreshTokenID, unixNano(token.ExpiresAt), data,
	)
	return err
}

// RevokeAccessTokensForRefreshToken marks every access token descending from
// the refresh token as revoked, rewriting the JSON document in place.
func (s *Store) RevokeAccessTokensForRefreshToken(ctx context.Context, refreshToken string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE access_tokens SET data = json_set(data, '$.revoked', json('true'))
		WHERE refresh_token_id = ?`,
		refreshToken,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke dependent access tokens: %w", err)
	}
	return nil
}

// --- Refresh tokens ---

// GetRefreshToken loads a refresh token record.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*entities.RefreshToken, error) {
	var t entities.RefreshToken
	err := s.getRecord(ctx, `SELECT data FROM refresh_tokens WHERE token = ?`,
		"refresh token", &t, token)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// PutRefreshToken stores or replaces a refresh token.
func (s *Store) PutRefreshToken(ctx context.Context, token *entities.RefreshToken) error {
	data, err := marshalRecord("refresh token", token)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, chain_id, valid_after, expires_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET
			chain_id = excluded.chain_id, valid_after = excluded.valid_after,
			expires_at = excluded.expires_at, data = excluded.data`,
		token.Token, token.ChainID, unixNano(token.ValidAfter), unixNano(token.ExpiresAt), data,
	)
	return err
}

// ListRefreshTokenChain returns every token on the chain, oldest first.
func (s *Store) ListRefreshTokenChain(ctx context.Context, chainID string) ([]*entities.RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM refresh_tokens WHERE chain_id = ? ORDER BY valid_after ASC`,
		chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rotation chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entities.RefreshToken
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan refresh token row: %w", err)
		}
		var t entities.RefreshToken
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rotation chain: %w", err)
	}
	return out, nil
}

// --- Device codes ---

// GetDeviceCode loads a device code record.
func (s *Store) GetDeviceCode(ctx context.Context, deviceCode string) (*entities.DeviceCode, error) {
	var d entities.DeviceCode
	err := s.getRecord(ctx, `SELECT data FROM device_codes WHERE device_code = ?`,
		"device code", &d, deviceCode)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDeviceCodeByUserCode resolves the record from a user-typed code.
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*entities.DeviceCode, error) {
	var d entities.DeviceCode
	err := s.getRecord(ctx, `SELECT data FROM device_codes WHERE user_code = ?`,
		"user code", &d, userCode)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// PutDeviceCode stores or replaces a device code record.
func (s *Store) PutDeviceCode(ctx context.Context, code *entities.DeviceCode) error {
	data, err := marshalRecord("device code", code)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_codes (device_code, user_code, expires_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (device_code) DO UPDATE SET
			user_code = excluded.user_code,
			expires_at = excluded.expires_at, data = excluded.data`,
		code.DeviceCode, code.UserCode, unixNano(code.ExpiresAt), data,
	)
	return err
}

// DeleteDeviceCode removes a device code record.
func (s *Store) DeleteDeviceCode(ctx context.Context, deviceCode string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_codes WHERE device_code = ?`, deviceCode)
	return err
}

// --- Logout tickets ---

// GetLogoutTicket loads the ticket for a logout challenge.
func (s *Store) GetLogoutTicket(ctx context.Context, challenge string) (*entities.LogoutTicket, error) {
	var t entities.LogoutTicket
	err := s.getRecord(ctx, `SELECT data FROM logout_tickets WHERE challenge = ?`,
		"logout ticket", &t, challenge)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// PutLogoutTicket stores or replaces a logout ticket.
func (s *Store) PutLogoutTicket(ctx context.Context, ticket *entities.LogoutTicket) error {
	data, err := marshalRecord("logout ticket", ticket)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO logout_tickets (challenge, expires_at, data) VALUES (?, ?, ?)
		ON CONFLICT (challenge) DO UPDATE SET expires_at = excluded.expires_at, data = excluded.data`,
		ticket.LogoutChallenge, unixNano(ticket.ExpiresAt), data,
	)
	return err
}

// DeleteLogoutTicket removes a logout ticket.
func (s *Store) DeleteLogoutTicket(ctx context.Context, challenge string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM logout_tickets WHERE challenge = ?`, challenge)
	return err
}

// --- Assertion replay ---

// CheckAndStoreJTI records a client assertion jti, rejecting replays within
// the assertion lifetime. The upsert only overwrites a jti whose previous
// lifetime elapsed, so a live jti presented twice affects zero rows.
func (s *Store) CheckAndStoreJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	now := time.Now()
	if !expiresAt.After(now) {
		// Already expired; nothing to remember.
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jtis (jti, expires_at) VALUES (?, ?)
		ON CONFLICT (jti) DO UPDATE SET expires_at = excluded.expires_at
		WHERE jtis.expires_at <= ?`,
		jti, unixNano(expiresAt), unixNano(now),
	)
	if err != nil {
		return fmt.Errorf("failed to record jti: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: jti %q", storage.ErrReplayed, jti)
	}
	return nil
}
