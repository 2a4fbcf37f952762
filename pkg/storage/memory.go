// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/logger"
)

// DefaultCleanupInterval is how often the background sweeper removes expired
// records from the in-memory store.
const DefaultCleanupInterval = 5 * time.Minute

// MemoryStore implements Store with in-memory maps. It is thread-safe and
// suitable for development, testing, and single-instance deployments; use
// redisstore or sqlitestore when state must survive a restart or be shared.
//
// All maps hold deep copies: values are cloned on the way in and on the way
// out, so a caller holding a returned pointer can never mutate stored state.
type MemoryStore struct {
	mu sync.RWMutex

	clients map[string]*entities.Client

	sessions map[string]*entities.Session
	logins   map[string]*entities.Login
	consents map[string]*entities.Consent

	// grants is keyed by grant id; the challenge indexes map the login and
	// consent challenges handed to the UI back to the grant id.
	grants              map[string]*entities.Grant
	grantsByLoginChal   map[string]string
	grantsByConsentChal map[string]string

	authCodes     map[string]*entities.AuthorizationCode
	accessTokens  map[string]*entities.AccessToken
	refreshTokens map[string]*entities.RefreshToken

	// deviceCodes is keyed by device_code; deviceByUserCode maps the
	// normalized user_code back to it.
	deviceCodes      map[string]*entities.DeviceCode
	deviceByUserCode map[string]string

	logoutTickets map[string]*entities.LogoutTicket

	// assertionJTIs tracks client assertion jti values until expiry.
	assertionJTIs map[string]time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom sweeper interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates a MemoryStore with initialized maps and starts the
// background sweeper goroutine. Call Close to stop it.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		clients:             make(map[string]*entities.Client),
		sessions:            make(map[string]*entities.Session),
		logins:              make(map[string]*entities.Login),
		consents:            make(map[string]*entities.Consent),
		grants:              make(map[string]*entities.Grant),
		grantsByLoginChal:   make(map[string]string),
		grantsByConsentChal: make(map[string]string),
		authCodes:           make(map[string]*entities.AuthorizationCode),
		accessTokens:        make(map[string]*entities.AccessToken),
		refreshTokens:       make(map[string]*entities.RefreshToken),
		deviceCodes:         make(map[string]*entities.DeviceCode),
		deviceByUserCode:    make(map[string]string),
		logoutTickets:       make(map[string]*entities.LogoutTicket),
		assertionJTIs:       make(map[string]time.Time),
		cleanupInterval:     DefaultCleanupInterval,
		stopCleanup:         make(chan struct{}),
		cleanupDone:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close stops the background sweeper and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			if err := s.PurgeExpired(context.Background(), time.Now()); err != nil {
				logger.Errorw("memory store cleanup failed", "error", err)
			}
		}
	}
}

// PurgeExpired removes every record whose lifetime elapsed before now.
// Collect-then-delete: expired keys are gathered under the read lock, then
// removed under the write lock, keeping write lock hold time short.
func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) error {
	s.mu.RLock()

	var sessions, logins, consents, grants, codes, access, refresh, device, logout, jtis []string
	for k, v := range s.sessions {
		if now.After(v.ExpiresAt) {
			sessions = append(sessions, k)
		}
	}
	for k, v := range s.logins {
		if now.After(v.ExpiresAt) {
			logins = append(logins, k)
		}
	}
	for k, v := range s.consents {
		if now.After(v.ExpiresAt) {
			consents = append(consents, k)
		}
	}
	for k, v := range s.grants {
		if now.After(v.ExpiresAt) {
			grants = append(grants, k)
		}
	}
	for k, v := range s.authCodes {
		if now.After(v.ExpiresAt) {
			codes = append(codes, k)
		}
	}
	for k, v := range s.accessTokens {
		if now.After(v.ExpiresAt) {
			access = append(access, k)
		}
	}
	for k, v := range s.refreshTokens {
		if now.After(v.ExpiresAt) {
			refresh = append(refresh, k)
		}
	}
	for k, v := range s.deviceCodes {
		if now.After(v.ExpiresAt) {
			device = append(device, k)
		}
	}
	for k, v := range s.logoutTickets {
		if now.After(v.ExpiresAt) {
			logout = append(logout, k)
		}
	}
	for k, exp := range s.assertionJTIs {
		if now.After(exp) {
			jtis = append(jtis, k)
		}
	}
	s.mu.RUnlock()

	removed := len(sessions) + len(logins) + len(consents) + len(grants) +
		len(codes) + len(access) + len(refresh) + len(device) + len(logout) + len(jtis)
	if removed == 0 {
		return nil
	}

	s.mu.Lock()
	for _, k := range sessions {
		delete(s.sessions, k)
	}
	for _, k := range logins {
		delete(s.logins, k)
	}
	for _, k := range consents {
		delete(s.consents, k)
	}
	for _, k := range grants {
		s.deleteGrantLocked(k)
	}
	for _, k := range codes {
		delete(s.authCodes, k)
	}
	for _, k := range access {
		delete(s.accessTokens, k)
	}
	for _, k := range refresh {
		delete(s.refreshTokens, k)
	}
	for _, k := range device {
		s.deleteDeviceCodeLocked(k)
	}
	for _, k := range logout {
		delete(s.logoutTickets, k)
	}
	for _, k := range jtis {
		delete(s.assertionJTIs, k)
	}
	s.mu.Unlock()

	logger.Debugw("memory store purged expired records", "count", removed)
	return nil
}

// --- Clients ---

// GetClient returns the client with the given id.
func (s *MemoryStore) GetClient(_ context.Context, id string) (*entities.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: client %q", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// PutClient stores or replaces a client.
func (s *MemoryStore) PutClient(_ context.Context, client *entities.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ID] = client.Clone()
	return nil
}

// DeleteClient removes a client registration.
func (s *MemoryStore) DeleteClient(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[id]; !ok {
		return fmt.Errorf("%w: client %q", ErrNotFound, id)
	}
	delete(s.clients, id)
	return nil
}

// --- Sessions ---

// GetSession returns the session with the given id.
func (s *MemoryStore) GetSession(_ context.Context, id string) (*entities.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, id)
	}
	return sess.Clone(), nil
}

// PutSession stores or replaces a session.
func (s *MemoryStore) PutSession(_ context.Context, session *entities.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.ID] = session.Clone()
	return nil
}

// DeleteSession removes a session.
func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// --- Logins ---

// GetLogin returns the login with the given id.
func (s *MemoryStore) GetLogin(_ context.Context, id string) (*entities.Login, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logins[id]
	if !ok {
		return nil, fmt.Errorf("%w: login %q", ErrNotFound, id)
	}
	return l.Clone(), nil
}

// PutLogin stores a login record.
func (s *MemoryStore) PutLogin(_ context.Context, login *entities.Login) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logins[login.ID] = login.Clone()
	return nil
}

// --- Consents ---

// GetConsent returns the consent with the given id.
func (s *MemoryStore) GetConsent(_ context.Context, id string) (*entities.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.consents[id]
	if !ok {
		return nil, fmt.Errorf("%w: consent %q", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// PutConsent stores or replaces a consent.
func (s *MemoryStore) PutConsent(_ context.Context, consent *entities.Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consents[consent.ID] = consent.Clone()
	return nil
}

// DeleteConsent removes a consent.
func (s *MemoryStore) DeleteConsent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.consents, id)
	return nil
}

// FindConsent returns the newest unexpired consent for the client/user pair.
func (s *MemoryStore) FindConsent(_ context.Context, clientID, userID string) (*entities.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var newest *entities.Consent
	for _, c := range s.consents {
		if c.ClientID != clientID || c.UserID != userID || c.Expired(now) {
			continue
		}
		if newest == nil || c.CreatedAt.After(newest.CreatedAt) {
			newest = c
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("%w: consent for client %q", ErrNotFound, clientID)
	}
	return newest.Clone(), nil
}

// --- Grants ---

// GetGrant returns the grant with the given id.
func (s *MemoryStore) GetGrant(_ context.Context, id string) (*entities.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: grant %q", ErrNotFound, id)
	}
	return g.Clone(), nil
}

// GetGrantByLoginChallenge resolves a grant from its login challenge.
func (s *MemoryStore) GetGrantByLoginChallenge(ctx context.Context, challenge string) (*entities.Grant, error) {
	s.mu.RLock()
	id, ok := s.grantsByLoginChal[challenge]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: login challenge", ErrNotFound)
	}
	return s.GetGrant(ctx, id)
}

// GetGrantByConsentChallenge resolves a grant from its consent challenge.
func (s *MemoryStore) GetGrantByConsentChallenge(ctx context.Context, challenge string) (*entities.Grant, error) {
	s.mu.RLock()
	id, ok := s.grantsByConsentChal[challenge]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: consent challenge", ErrNotFound)
	}
	return s.GetGrant(ctx, id)
}

// CreateGrant stores a new grant.
func (s *MemoryStore) CreateGrant(_ context.Context, grant *entities.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.ID]; exists {
		return fmt.Errorf("%w: grant %q", ErrAlreadyExists, grant.ID)
	}
	s.grants[grant.ID] = grant.Clone()
	s.grantsByLoginChal[grant.LoginChallenge] = grant.ID
	s.grantsByConsentChal[grant.ConsentChallenge] = grant.ID
	return nil
}

// UpdateGrant performs a compare-and-set on the grant version. The stored
// record is replaced and its version incremented only when the persisted
// version still matches grant.Version; the caller's copy is bumped too so it
// stays usable for a follow-up update.
func (s *MemoryStore) UpdateGrant(_ context.Context, grant *entities.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.grants[grant.ID]
	if !ok {
		return fmt.Errorf("%w: grant %q", ErrNotFound, grant.ID)
	}
	if current.Version != grant.Version {
		return fmt.Errorf("%w: grant %q version %d != %d", ErrConflict, grant.ID, grant.Version, current.Version)
	}
	grant.Version++
	s.grants[grant.ID] = grant.Clone()
	return nil
}

// DeleteGrant removes a grant and its challenge indexes.
func (s *MemoryStore) DeleteGrant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteGrantLocked(id)
	return nil
}

func (s *MemoryStore) deleteGrantLocked(id string) {
	if g, ok := s.grants[id]; ok {
		delete(s.grantsByLoginChal, g.LoginChallenge)
		delete(s.grantsByConsentChal, g.ConsentChallenge)
		delete(s.grants, id)
	}
}

// --- Authorization codes ---

// GetAuthorizationCode returns the code record for an opaque code value.
func (s *MemoryStore) GetAuthorizationCode(_ context.Context, code string) (*entities.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	return c.Clone(), nil
}

// PutAuthorizationCode stores or replaces a code record.
func (s *MemoryStore) PutAuthorizationCode(_ context.Context, code *entities.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCodes[code.Code] = code.Clone()
	return nil
}

// DeleteAuthorizationCode removes a code record.
func (s *MemoryStore) DeleteAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	return nil
}

// --- Access tokens ---

// GetAccessToken returns the record for an opaque access token.
func (s *MemoryStore) GetAccessToken(_ context.Context, token string) (*entities.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.accessTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: access token", ErrNotFound)
	}
	return t.Clone(), nil
}

// PutAccessToken stores or replaces an access token record.
func (s *MemoryStore) PutAccessToken(_ context.Context, token *entities.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessTokens[token.Token] = token.Clone()
	return nil
}

// RevokeAccessTokensForRefreshToken marks every access token descending from
// the refresh token as revoked.
func (s *MemoryStore) RevokeAccessTokensForRefreshToken(_ context.Context, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.accessTokens {
		if t.RefreshTokenID == refreshToken {
			t.Revoked = true
		}
	}
	return nil
}

// --- Refresh tokens ---

// GetRefreshToken returns the record for an opaque refresh token.
func (s *MemoryStore) GetRefreshToken(_ context.Context, token string) (*entities.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.refreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	return t.Clone(), nil
}

// PutRefreshToken stores or replaces a refresh token record.
func (s *MemoryStore) PutRefreshToken(_ context.Context, token *entities.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshTokens[token.Token] = token.Clone()
	return nil
}

// ListRefreshTokenChain returns every token on the rotation chain, oldest
// first.
func (s *MemoryStore) ListRefreshTokenChain(_ context.Context, chainID string) ([]*entities.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entities.RefreshToken
	for _, t := range s.refreshTokens {
		if t.ChainID == chainID {
			out = append(out, t.Clone())
		}
	}
	// Oldest first, by validity start.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ValidAfter.Before(out[j-1].ValidAfter); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// --- Device codes ---

// GetDeviceCode returns the record a device polls with.
func (s *MemoryStore) GetDeviceCode(_ context.Context, deviceCode string) (*entities.DeviceCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deviceCodes[deviceCode]
	if !ok {
		return nil, fmt.Errorf("%w: device code", ErrNotFound)
	}
	return d.Clone(), nil
}

// GetDeviceCodeByUserCode resolves the record from a user-typed code.
func (s *MemoryStore) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*entities.DeviceCode, error) {
	s.mu.RLock()
	id, ok := s.deviceByUserCode[userCode]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: user code", ErrNotFound)
	}
	return s.GetDeviceCode(ctx, id)
}

// PutDeviceCode stores or replaces a device code record.
func (s *MemoryStore) PutDeviceCode(_ context.Context, code *entities.DeviceCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deviceCodes[code.DeviceCode] = code.Clone()
	s.deviceByUserCode[code.UserCode] = code.DeviceCode
	return nil
}

// DeleteDeviceCode removes a device code record and its user code index.
func (s *MemoryStore) DeleteDeviceCode(_ context.Context, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteDeviceCodeLocked(deviceCode)
	return nil
}

func (s *MemoryStore) deleteDeviceCodeLocked(deviceCode string) {
	if d, ok := s.deviceCodes[deviceCode]; ok {
		delete(s.deviceByUserCode, d.UserCode)
		delete(s.deviceCodes, deviceCode)
	}
}

// --- Logout tickets ---

// GetLogoutTicket returns the ticket for a logout challenge.
func (s *MemoryStore) GetLogoutTicket(_ context.Context, challenge string) (*entities.LogoutTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.logoutTickets[challenge]
	if !ok {
		return nil, fmt.Errorf("%w: logout challenge", ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// PutLogoutTicket stores or replaces a logout ticket.
func (s *MemoryStore) PutLogoutTicket(_ context.Context, ticket *entities.LogoutTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ticket
	s.logoutTickets[ticket.LogoutChallenge] = &cp
	return nil
}

// DeleteLogoutTicket removes a logout ticket.
func (s *MemoryStore) DeleteLogoutTicket(_ context.Context, challenge string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.logoutTickets, challenge)
	return nil
}

// --- Assertion replay ---

// CheckAndStoreJTI records a client assertion jti, rejecting replays within
// the assertion lifetime.
func (s *MemoryStore) CheckAndStoreJTI(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, seen := s.assertionJTIs[jti]; seen && time.Now().Before(exp) {
		return fmt.Errorf("%w: jti %q", ErrReplayed, jti)
	}
	s.assertionJTIs[jti] = expiresAt
	return nil
}

// Stats reports record counts per map, for tests and debugging.
func (s *MemoryStore) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]int{
		"clients":        len(s.clients),
		"sessions":       len(s.sessions),
		"logins":         len(s.logins),
		"consents":       len(s.consents),
		"grants":         len(s.grants),
		"auth_codes":     len(s.authCodes),
		"access_tokens":  len(s.accessTokens),
		"refresh_tokens": len(s.refreshTokens),
		"device_codes":   len(s.deviceCodes),
		"logout_tickets": len(s.logoutTickets),
		"assertion_jtis": len(s.assertionJTIs),
	}
}
