// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package redisstore implements storage.Store on Redis. Records are stored
// as JSON with a TTL derived from their expiry, so Redis garbage-collects
// what the memory store's sweeper would; secondary lookups (challenges, user
// codes, rotation chains) are kept as extra keys alongside the records.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces this server's keys in a shared Redis.
const DefaultKeyPrefix = "authserver:"

// minRecordTTL is the floor applied to derived TTLs so a record expiring
// right now still lands in Redis long enough for the current request to
// finish with it.
const minRecordTTL = time.Second

// Key type segments, one per record family.
const (
	keyClient    = "client"
	keySession   = "session"
	keyLogin     = "login"
	keyConsent   = "consent"
	keyGrant     = "grant"
	keyCode      = "code"
	keyAccess    = "access"
	keyRefresh   = "refresh"
	keyDevice    = "device"
	keyLogout    = "logout"
	keyJTI       = "jti"
	keyLoginChal = "grant:login_challenge"
	keyChal      = "grant:consent_challenge"
	keyUserCode  = "device:user_code"
	keyChain     = "refresh:chain"
	keyByRefresh = "access:by_refresh"
	keyBySubject = "consent:by_subject"
)

// SentinelConfig selects a Redis Sentinel deployment instead of a single
// node.
type SentinelConfig struct {
	MasterName    string
	SentinelAddrs []string
}

// Config holds the Redis connection settings.
type Config struct {
	// Addr is the single-node address. Ignored when Sentinel is set.
	Addr string
	// Sentinel, when non-nil, selects failover mode.
	Sentinel *SentinelConfig

	Username string
	Password string
	DB       int

	// KeyPrefix namespaces keys for multi-tenancy. Empty takes the default.
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Store implements storage.Store on a Redis backend.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" && cfg.Sentinel == nil {
		return nil, errors.New("redis address or sentinel configuration is required")
	}
	cfg.applyDefaults()

	var client redis.UniversalClient
	if cfg.Sentinel != nil {
		if cfg.Sentinel.MasterName == "" || len(cfg.Sentinel.SentinelAddrs) == 0 {
			return nil, errors.New("sentinel configuration requires a master name and at least one address")
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Sentinel.MasterName,
			SentinelAddrs: cfg.Sentinel.SentinelAddrs,
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Store{client: client, prefix: cfg.KeyPrefix}, nil
}

// NewWithClient wraps a pre-configured client. Used by tests with miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: keyPrefix}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// PurgeExpired is a no-op: every record carries a TTL and Redis expires it.
// Stale index members are swept lazily on read.
func (*Store) PurgeExpired(context.Context, time.Time) error {
	return nil
}

func (s *Store) key(kind, id string) string {
	return s.prefix + kind + ":" + id
}

// recordTTL derives a key TTL from a record expiry. Zero expiry means the
// record does not expire.
func recordTTL(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := time.Until(expiresAt)
	if ttl < minRecordTTL {
		ttl = minRecordTTL
	}
	return ttl
}

// setJSON marshals and stores a record under the key with the given TTL.
func (s *Store) setJSON(ctx context.Context, key string, record any, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record for %q: %w", key, err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// getJSON loads and unmarshals a record. A missing key surfaces as
// storage.ErrNotFound with the given label.
func (s *Store) getJSON(ctx context.Context, key, label string, into any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, label)
		}
		return fmt.Errorf("failed to get %s: %w", label, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", label, err)
	}
	return nil
}

// --- Clients ---

// GetClient loads a client by id.
func (s *Store) GetClient(ctx context.Context, id string) (*entities.Client, error) {
	var c entities.Client
	if err := s.getJSON(ctx, s.key(keyClient, id), "client", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutClient stores or replaces a client. Clients do not expire.
func (s *Store) PutClient(ctx context.Context, client *entities.Client) error {
	return s.setJSON(ctx, s.key(keyClient, client.ID), client, 0)
}

// DeleteClient removes a client. Deleting an unknown id is an error so
// registration management can distinguish the cases.
func (s *Store) DeleteClient(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(keyClient, id)).Result()
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
	if err := s.getJSON(ctx, s.key(keySession, id), "session", &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// PutSession stores or replaces a session.
func (s *Store) PutSession(ctx context.Context, session *entities.Session) error {
	return s.setJSON(ctx, s.key(keySession, session.ID), session, recordTTL(session.ExpiresAt))
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(keySession, id)).Err()
}

// --- Logins ---

// GetLogin loads an authentication event.
func (s *Store) GetLogin(ctx context.Context, id string) (*entities.Login, error) {
	var l entities.Login
	if err := s.getJSON(ctx, s.key(keyLogin, id), "login", &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// PutLogin stores a login.
func (s *Store) PutLogin(ctx context.Context, login *entities.Login) error {
	return s.setJSON(ctx, s.key(keyLogin, login.ID), login, recordTTL(login.ExpiresAt))
}

// --- Consents ---

// GetConsent loads a consent.
func (s *Store) GetConsent(ctx context.Context, id string) (*entities.Consent, error) {
	var c entities.Consent
	if err := s.getJSON(ctx, s.key(keyConsent, id), "consent", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutConsent stores a consent and indexes it by client/user pair.
func (s *Store) PutConsent(ctx context.Context, consent *entities.Consent) error {
	ttl := recordTTL(consent.ExpiresAt)
	if err := s.setJSON(ctx, s.key(keyConsent, consent.ID), consent, ttl); err != nil {
		return err
	}
	indexKey := s.key(keyBySubject, consent.ClientID+":"+consent.UserID)
	if err := s.client.SAdd(ctx, indexKey, consent.ID).Err(); err != nil {
		return err
	}
	// The index lives at least as long as its newest member.
	return s.client.Expire(ctx, indexKey, ttl).Err()
}

// DeleteConsent removes a consent. The index entry is swept lazily.
func (s *Store) DeleteConsent(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(keyConsent, id)).Err()
}

// FindConsent returns the newest unexpired consent for the client/user pair.
func (s *Store) FindConsent(ctx context.Context, clientID, userID string) (*entities.Consent, error) {
	indexKey := s.key(keyBySubject, clientID+":"+userID)
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}

	now := time.Now()
	var newest *entities.Consent
	for _, id := range ids {
		c, err := s.GetConsent(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Expired out of Redis; drop the stale index member.
				_ = s.client.SRem(ctx, indexKey, id).Err()
				continue
			}
			return nil, err
		}
		if c.ClientID != clientID || c.UserID != userID || c.Expired(now) {
			continue
		}
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = c
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("%w: consent for client %q", storage.ErrNotFound, clientID)
	}
	return newest, nil
}

// --- Grants ---

// updateGrantScript performs the compare-and-set: the stored version must
// still equal the caller's version for the write to land.
var updateGrantScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return -1
end
local current = cjson.decode(data)
if current.version ~= tonumber(ARGV[1]) then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// GetGrant loads a grant by id.
func (s *Store) GetGrant(ctx context.Context, id string) (*entities.Grant, error) {
	var g entities.Grant
	if err := s.getJSON(ctx, s.key(keyGrant, id), "grant", &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGrantByLoginChallenge resolves a grant from its login challenge.
func (s *Store) GetGrantByLoginChallenge(ctx context.Context, challenge string) (*entities.Grant, error) {
	return s.grantByChallenge(ctx, s.key(keyLoginChal, challenge), "login challenge")
}

// GetGrantByConsentChallenge resolves a grant from its consent challenge.
func (s *Store) GetGrantByConsentChallenge(ctx context.Context, challenge string) (*entities.Grant, error) {
	return s.grantByChallenge(ctx, s.key(keyChal, challenge), "consent challenge")
}

func (s *Store) grantByChallenge(ctx context.Context, indexKey, label string) (*entities.Grant, error) {
	id, err := s.client.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, label)
		}
		return nil, fmt.Errorf("failed to resolve %s: %w", label, err)
	}
	return s.GetGrant(ctx, id)
}

// CreateGrant stores a new grant and its challenge lookups.
func (s *Store) CreateGrant(ctx context.Context, grant *entities.Grant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}
	ttl := recordTTL(grant.ExpiresAt)

	created, err := s.client.SetNX(ctx, s.key(keyGrant, grant.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: grant %q", storage.ErrAlreadyExists, grant.ID)
	}

	if err := s.client.Set(ctx, s.key(keyLoginChal, grant.LoginChallenge), grant.ID, ttl).Err(); err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(keyChal, grant.ConsentChallenge), grant.ID, ttl).Err()
}

// UpdateGrant compare-and-sets on the grant version; the stored record and
// the caller's copy are both bumped on success.
func (s *Store) UpdateGrant(ctx context.Context, grant *entities.Grant) error {
	next := grant.Clone()
	next.Version = grant.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	ttlMillis := recordTTL(grant.ExpiresAt).Milliseconds()
	res, err := updateGrantScript.Run(ctx, s.client,
		[]string{s.key(keyGrant, grant.ID)}, grant.Version, data, ttlMillis).Int()
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: grant %q", storage.ErrNotFound, grant.ID)
	case 0:
		return fmt.Errorf("%w: grant %q version %d", storage.ErrConflict, grant.ID, grant.Version)
	}
	grant.Version++
	return nil
}

// DeleteGrant removes a grant and its challenge lookups.
func (s *Store) DeleteGrant(ctx context.Context, id string) error {
	g, err := s.GetGrant(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.client.Del(ctx,
		s.key(keyGrant, id),
		s.key(keyLoginChal, g.LoginChallenge),
		s.key(keyChal, g.ConsentChallenge),
	).Err()
}

// --- Authorization codes ---

// GetAuthorizationCode loads a code record.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*entities.AuthorizationCode, error) {
	var c entities.AuthorizationCode
	if err := s.getJSON(ctx, s.key(keyCode, code), "authorization code", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutAuthorizationCode stores or replaces a code record.
func (s *Store) PutAuthorizationCode(ctx context.Context, code *entities.AuthorizationCode) error {
	return s.setJSON(ctx, s.key(keyCode, code.Code), code, recordTTL(code.ExpiresAt))
}

// DeleteAuthorizationCode removes a code record.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	return s.client.Del(ctx, s.key(keyCode, code)).Err()
}

// --- Access tokens ---

// GetAccessToken loads an access token record.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*entities.AccessToken, error) {
	var t entities.AccessToken
	if err := s.getJSON(ctx, s.key(keyAccess, token), "access token", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PutAccessToken stores or replaces an access token, indexing it by its
// parent refresh token for cascade revocation.
func (s *Store) PutAccessToken(ctx context.Context, token *entities.AccessToken) error {
	ttl := recordTTL(token.ExpiresAt)
	if err := s.setJSON(ctx, s.key(keyAccess, token.Token), token, ttl); err != nil {
		return err
	}
	if token.RefreshTokenID == "" {
		return nil
	}
	indexKey := s.key(keyByRefresh, token.RefreshTokenID)
	if err := s.client.SAdd(ctx, indexKey, token.Token).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, indexKey, ttl).Err()
}

// RevokeAccessTokensForRefreshToken marks every access token descending from
// the refresh token as revoked.
func (s *Store) RevokeAccessTokensForRefreshToken(ctx context.Context, refreshToken string) error {
	indexKey := s.key(keyByRefresh, refreshToken)
	tokens, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list dependent access tokens: %w", err)
	}
	for _, raw := range tokens {
		t, err := s.GetAccessToken(ctx, raw)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				_ = s.client.SRem(ctx, indexKey, raw).Err()
				continue
			}
			return err
		}
		if t.Revoked {
			continue
		}
		t.Revoked = true
		if err := s.setJSON(ctx, s.key(keyAccess, t.Token), t, recordTTL(t.ExpiresAt)); err != nil {
			return err
		}
	}
	return nil
}

// --- Refresh tokens ---

// GetRefreshToken loads a refresh token record.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*entities.RefreshToken, error) {
	var t entities.RefreshToken
	if err := s.getJSON(ctx, s.key(keyRefresh, token), "refresh token", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PutRefreshToken stores or replaces a refresh token and registers it on its
// rotation chain.
func (s *Store) PutRefreshToken(ctx context.Context, token *entities.RefreshToken) error {
	ttl := recordTTL(token.ExpiresAt)
	if err := s.setJSON(ctx, s.key(keyRefresh, token.Token), token, ttl); err != nil {
		return err
	}
	chainKey := s.key(keyChain, token.ChainID)
	if err := s.client.SAdd(ctx, chainKey, token.Token).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, chainKey, ttl).Err()
}

// ListRefreshTokenChain returns every live token on the chain, oldest first.
func (s *Store) ListRefreshTokenChain(ctx context.Context, chainID string) ([]*entities.RefreshToken, error) {
	chainKey := s.key(keyChain, chainID)
	members, err := s.client.SMembers(ctx, chainKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list rotation chain: %w", err)
	}

	out := make([]*entities.RefreshToken, 0, len(members))
	for _, raw := range members {
		t, err := s.GetRefreshToken(ctx, raw)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				_ = s.client.SRem(ctx, chainKey, raw).Err()
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidAfter.Before(out[j].ValidAfter) })
	return out, nil
}

// --- Device codes ---

// GetDeviceCode loads a device code record.
func (s *Store) GetDeviceCode(ctx context.Context, deviceCode string) (*entities.DeviceCode, error) {
	var d entities.DeviceCode
	if err := s.getJSON(ctx, s.key(keyDevice, deviceCode), "device code", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDeviceCodeByUserCode resolves the record from a user-typed code.
func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*entities.DeviceCode, error) {
	id, err := s.client.Get(ctx, s.key(keyUserCode, userCode)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: user code", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve user code: %w", err)
	}
	return s.GetDeviceCode(ctx, id)
}

// PutDeviceCode stores or replaces a device code record and its user code
// lookup.
func (s *Store) PutDeviceCode(ctx context.Context, code *entities.DeviceCode) error {
	ttl := recordTTL(code.ExpiresAt)
	if err := s.setJSON(ctx, s.key(keyDevice, code.DeviceCode), code, ttl); err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(keyUserCode, code.UserCode), code.DeviceCode, ttl).Err()
}

// DeleteDeviceCode removes a device code record and its user code lookup.
func (s *Store) DeleteDeviceCode(ctx context.Context, deviceCode string) error {
	d, err := s.GetDeviceCode(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.client.Del(ctx,
		s.key(keyDevice, deviceCode),
		s.key(keyUserCode, d.UserCode),
	).Err()
}

// --- Logout tickets ---

// GetLogoutTicket loads the ticket for a logout challenge.
func (s *Store) GetLogoutTicket(ctx context.Context, challenge string) (*entities.LogoutTicket, error) {
	var t entities.LogoutTicket
	if err := s.getJSON(ctx, s.key(keyLogout, challenge), "logout ticket", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PutLogoutTicket stores or replaces a logout ticket.
func (s *Store) PutLogoutTicket(ctx context.Context, ticket *entities.LogoutTicket) error {
	return s.setJSON(ctx, s.key(keyLogout, ticket.LogoutChallenge), ticket, recordTTL(ticket.ExpiresAt))
}

// DeleteLogoutTicket removes a logout ticket.
func (s *Store) DeleteLogoutTicket(ctx context.Context, challenge string) error {
	return s.client.Del(ctx, s.key(keyLogout, challenge)).Err()
}

// --- Assertion replay ---

// CheckAndStoreJTI records a client assertion jti, rejecting replays within
// the assertion lifetime.
func (s *Store) CheckAndStoreJTI(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Already expired; nothing to remember.
		return nil
	}
	stored, err := s.client.SetNX(ctx, s.key(keyJTI, jti), "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to record jti: %w", err)
	}
	if !stored {
		return fmt.Errorf("%w: jti %q", storage.ErrReplayed, jti)
	}
	return nil
}
