package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
	"github.com/giantswarm/mcp-oauth-proxy/verifier"
)

// Store is an in-memory implementation of ClientStore, TransactionStore,
// CodeStore, and TokenStore behind a single lock.
type Store struct {
	mu sync.RWMutex

	clients      map[string]*storage.Client
	transactions map[string]*storage.Transaction
	codes        map[string]*storage.ClientCode

	accessTokens  map[string]*verifier.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	// Bidirectional access<->refresh linkage for revocation cascades.
	accessToRefresh map[string]string
	refreshToAccess map[string]string

	// encryptor, when enabled, protects upstream token material held
	// inside stored client codes.
	encryptor *security.Encryptor

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer

	clientsCount       atomic.Int64
	transactionsCount  atomic.Int64
	codesCount         atomic.Int64
	accessTokensCount  atomic.Int64
	refreshTokensCount atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.ClientStore      = (*Store)(nil)
	_ storage.TransactionStore = (*Store)(nil)
	_ storage.CodeStore        = (*Store)(nil)
	_ storage.TokenStore       = (*Store)(nil)
)

// New creates an in-memory store with the default one-minute cleanup
// interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom cleanup interval.
// Non-positive values fall back to one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		transactions:    make(map[string]*storage.Transaction),
		codes:           make(map[string]*storage.ClientCode),
		accessTokens:    make(map[string]*verifier.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		accessToRefresh: make(map[string]string),
		refreshToAccess: make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()
	return s
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor enables encryption at rest for upstream token material.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.Enabled() {
		s.logger.Info("Encryption at rest enabled for stored upstream tokens")
	}
}

// SetInstrumentation wires OpenTelemetry tracing and the storage size
// gauges. Call once during startup.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.inst = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.clientsCount.Store(int64(len(s.clients)))
	s.transactionsCount.Store(int64(len(s.transactions)))
	s.codesCount.Store(int64(len(s.codes)))
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStoreSizeCallbacks(
			func() int64 { return s.clientsCount.Load() },
			func() int64 { return s.transactionsCount.Load() },
			func() int64 { return s.codesCount.Load() },
			func() int64 { return s.accessTokensCount.Load() },
			func() int64 { return s.refreshTokensCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop ends the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span, time.Time) {
	start := time.Now()
	if s.tracer == nil {
		return ctx, nil, start
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	return ctx, span, start
}

func (s *Store) finishSpan(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
		if errors.Is(err, storage.ErrNotFound) {
			result = "not_found"
		}
	}
	if s.inst != nil {
		s.inst.Metrics().RecordStoreOperation(ctx, operation, result,
			float64(time.Since(start).Microseconds())/1000.0)
	}
	if span != nil {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}
}

// SaveClient stores or overwrites a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span, start := s.startSpan(ctx, "save_client")
	defer func() { s.finishSpan(ctx, span, "save_client", start, err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	s.clients[client.ClientID] = client
	if !existed {
		s.clientsCount.Add(1)
	}
	s.logger.Debug("Saved client", "client_id", client.ClientID, "ephemeral", client.Ephemeral)
	return nil
}

// GetClient retrieves a registered client.
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span, start := s.startSpan(ctx, "get_client")
	defer func() { s.finishSpan(ctx, span, "get_client", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return client, nil
}

// ValidateClientSecret verifies a secret against the stored bcrypt hash.
// Clients registered without a secret (auth method "none") accept only the
// empty secret.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (err error) {
	ctx, span, start := s.startSpan(ctx, "validate_client_secret")
	defer func() { s.finishSpan(ctx, span, "validate_client_secret", start, err) }()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return storage.ErrNotFound
	}

	if client.ClientSecretHash == "" {
		if clientSecret == "" {
			return nil
		}
		return fmt.Errorf("client %s has no secret", clientID)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return fmt.Errorf("invalid client secret: %w", err)
	}
	return nil
}

// SaveTransaction stores an in-flight authorization transaction.
func (s *Store) SaveTransaction(ctx context.Context, txn *storage.Transaction) (err error) {
	ctx, span, start := s.startSpan(ctx, "save_transaction")
	defer func() { s.finishSpan(ctx, span, "save_transaction", start, err) }()

	if txn == nil || txn.ID == "" {
		return fmt.Errorf("transaction must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.transactions[txn.ID]
	s.transactions[txn.ID] = txn
	if !existed {
		s.transactionsCount.Add(1)
	}
	return nil
}

// ConsumeTransaction retrieves and deletes a transaction in one step under
// the write lock. Replayed or expired transactions report ErrNotFound.
func (s *Store) ConsumeTransaction(ctx context.Context, id string) (txn *storage.Transaction, err error) {
	ctx, span, start := s.startSpan(ctx, "consume_transaction")
	defer func() { s.finishSpan(ctx, span, "consume_transaction", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	delete(s.transactions, id)
	s.transactionsCount.Add(-1)

	if time.Now().After(txn.ExpiresAt) {
		s.logger.Debug("Consumed expired transaction", "transaction_id", security.HashForLogging(id))
		return nil, storage.ErrNotFound
	}
	return txn, nil
}

// SaveClientCode stores a proxy-minted authorization code. The upstream
// token material is encrypted when an encryptor is configured.
func (s *Store) SaveClientCode(ctx context.Context, code *storage.ClientCode) (err error) {
	ctx, span, start := s.startSpan(ctx, "save_client_code")
	defer func() { s.finishSpan(ctx, span, "save_client_code", start, err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("client code must have a value")
	}

	stored := code
	if s.encryptionEnabled() {
		stored, err = s.sealCode(code)
		if err != nil {
			return fmt.Errorf("encrypting client code: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.codes[code.Code]
	s.codes[code.Code] = stored
	if !existed {
		s.codesCount.Add(1)
	}
	return nil
}

// GetClientCode retrieves a code. Expired codes are deleted as a side
// effect of the read and reported as ErrNotFound.
func (s *Store) GetClientCode(ctx context.Context, code string) (record *storage.ClientCode, err error) {
	ctx, span, start := s.startSpan(ctx, "get_client_code")
	defer func() { s.finishSpan(ctx, span, "get_client_code", start, err) }()

	s.mu.Lock()
	stored, ok := s.codes[code]
	if ok && stored.Expired(time.Now()) {
		delete(s.codes, code)
		s.codesCount.Add(-1)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, storage.ErrNotFound
	}

	if s.encryptionEnabled() {
		record, err = s.openCode(stored)
		if err != nil {
			return nil, fmt.Errorf("decrypting client code: %w", err)
		}
		return record, nil
	}
	return stored, nil
}

// DeleteClientCode removes a code. Absent codes are not an error.
func (s *Store) DeleteClientCode(ctx context.Context, code string) (err error) {
	ctx, span, start := s.startSpan(ctx, "delete_client_code")
	defer func() { s.finishSpan(ctx, span, "delete_client_code", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code]; ok {
		delete(s.codes, code)
		s.codesCount.Add(-1)
	}
	return nil
}

func (s *Store) encryptionEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryptor != nil && s.encryptor.Enabled()
}

// sealCode returns a copy of the code with upstream token strings
// encrypted. The original is left untouched.
func (s *Store) sealCode(code *storage.ClientCode) (*storage.ClientCode, error) {
	if code.UpstreamToken == nil {
		return code, nil
	}

	sealed := *code
	token := *code.UpstreamToken
	var err error
	if token.AccessToken != "" {
		token.AccessToken, err = s.encryptor.Encrypt([]byte(token.AccessToken))
		if err != nil {
			return nil, err
		}
	}
	if token.RefreshToken != "" {
		token.RefreshToken, err = s.encryptor.Encrypt([]byte(token.RefreshToken))
		if err != nil {
			return nil, err
		}
	}
	sealed.UpstreamToken = &token
	return &sealed, nil
}

func (s *Store) openCode(code *storage.ClientCode) (*storage.ClientCode, error) {
	if code.UpstreamToken == nil {
		return code, nil
	}

	opened := *code
	token := *code.UpstreamToken
	if token.AccessToken != "" {
		plain, err := s.encryptor.Decrypt(token.AccessToken)
		if err != nil {
			return nil, err
		}
		token.AccessToken = string(plain)
	}
	if token.RefreshToken != "" {
		plain, err := s.encryptor.Decrypt(token.RefreshToken)
		if err != nil {
			return nil, err
		}
		token.RefreshToken = string(plain)
	}
	opened.UpstreamToken = &token
	return &opened, nil
}

// SaveTokenPair stores an access token and, when present, its refresh
// token with the bidirectional linkage, all under one lock acquisition.
func (s *Store) SaveTokenPair(ctx context.Context, access *verifier.AccessToken, refresh *storage.RefreshToken) (err error) {
	ctx, span, start := s.startSpan(ctx, "save_token_pair")
	defer func() { s.finishSpan(ctx, span, "save_token_pair", start, err) }()

	if access == nil || access.Token == "" {
		return fmt.Errorf("access token must have a value")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.accessTokens[access.Token]; !existed {
		s.accessTokensCount.Add(1)
	}
	s.accessTokens[access.Token] = access

	if refresh != nil && refresh.Token != "" {
		if _, existed := s.refreshTokens[refresh.Token]; !existed {
			s.refreshTokensCount.Add(1)
		}
		s.refreshTokens[refresh.Token] = refresh
		s.accessToRefresh[access.Token] = refresh.Token
		s.refreshToAccess[refresh.Token] = access.Token
	}
	return nil
}

// GetAccessToken retrieves a tracked access token. Expired records are
// deleted on read.
func (s *Store) GetAccessToken(ctx context.Context, token string) (access *verifier.AccessToken, err error) {
	ctx, span, start := s.startSpan(ctx, "get_access_token")
	defer func() { s.finishSpan(ctx, span, "get_access_token", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	access, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if access.Expired(time.Now()) {
		s.removeAccessTokenLocked(token, false)
		return nil, storage.ErrNotFound
	}
	return access, nil
}

// GetRefreshToken retrieves a tracked refresh token. Records with a
// non-zero expiry in the past are deleted on read.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (refresh *storage.RefreshToken, err error) {
	ctx, span, start := s.startSpan(ctx, "get_refresh_token")
	defer func() { s.finishSpan(ctx, span, "get_refresh_token", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	refresh, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !refresh.ExpiresAt.IsZero() && time.Now().After(refresh.ExpiresAt) {
		s.removeRefreshTokenLocked(token, false)
		return nil, storage.ErrNotFound
	}
	return refresh, nil
}

// RevokeAccessToken removes the access token, its linked refresh token,
// and both link entries as one atomic unit. Unknown tokens are ignored.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) (err error) {
	ctx, span, start := s.startSpan(ctx, "revoke_access_token")
	defer func() { s.finishSpan(ctx, span, "revoke_access_token", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeAccessTokenLocked(token, true)
	return nil
}

// RevokeRefreshToken is the mirror cascade starting from the refresh side.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (err error) {
	ctx, span, start := s.startSpan(ctx, "revoke_refresh_token")
	defer func() { s.finishSpan(ctx, span, "revoke_refresh_token", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeRefreshTokenLocked(token, true)
	return nil
}

// DeleteRefreshToken removes a refresh token without cascading to its
// access token. The linked access token stays valid until it expires.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) (err error) {
	ctx, span, start := s.startSpan(ctx, "delete_refresh_token")
	defer func() { s.finishSpan(ctx, span, "delete_refresh_token", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeRefreshTokenLocked(token, false)
	return nil
}

// removeAccessTokenLocked deletes an access token record and unlinks it.
// With cascade, the linked refresh token record goes too.
func (s *Store) removeAccessTokenLocked(token string, cascade bool) {
	if _, ok := s.accessTokens[token]; ok {
		delete(s.accessTokens, token)
		s.accessTokensCount.Add(-1)
	}

	linked, hasLink := s.accessToRefresh[token]
	if !hasLink {
		return
	}
	delete(s.accessToRefresh, token)
	delete(s.refreshToAccess, linked)

	if cascade {
		if _, ok := s.refreshTokens[linked]; ok {
			delete(s.refreshTokens, linked)
			s.refreshTokensCount.Add(-1)
		}
	}
}

func (s *Store) removeRefreshTokenLocked(token string, cascade bool) {
	if _, ok := s.refreshTokens[token]; ok {
		delete(s.refreshTokens, token)
		s.refreshTokensCount.Add(-1)
	}

	linked, hasLink := s.refreshToAccess[token]
	if !hasLink {
		return
	}
	delete(s.refreshToAccess, token)
	delete(s.accessToRefresh, linked)

	if cascade {
		if _, ok := s.accessTokens[linked]; ok {
			delete(s.accessTokens, linked)
			s.accessTokensCount.Add(-1)
		}
	}
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// Cleanup removes expired transactions, codes, and tokens that were never
// read again after expiring. Read paths already delete expired entries;
// this loop catches the leaked ones.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0

	for id, txn := range s.transactions {
		if now.After(txn.ExpiresAt) {
			delete(s.transactions, id)
			s.transactionsCount.Add(-1)
			removed++
		}
	}
	for code, record := range s.codes {
		if record.Expired(now) {
			delete(s.codes, code)
			s.codesCount.Add(-1)
			removed++
		}
	}
	for token, access := range s.accessTokens {
		if access.Expired(now) {
			s.removeAccessTokenLocked(token, false)
			removed++
		}
	}
	for token, refresh := range s.refreshTokens {
		if !refresh.ExpiresAt.IsZero() && now.After(refresh.ExpiresAt) {
			s.removeRefreshTokenLocked(token, false)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Storage cleanup completed",
			"removed", removed,
			"transactions", len(s.transactions),
			"codes", len(s.codes),
			"access_tokens", len(s.accessTokens),
			"refresh_tokens", len(s.refreshTokens))
	}
}

// Counts returns current entry counts, primarily for tests and debugging.
func (s *Store) Counts() (clients, transactions, codes, accessTokens, refreshTokens int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), len(s.transactions), len(s.codes), len(s.accessTokens), len(s.refreshTokens)
}
