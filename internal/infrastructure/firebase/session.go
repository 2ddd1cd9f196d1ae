package firebase

import (
	"context"
	"net/http"
	"sync"
	"time"

	"firebase.google.com/go/v4/auth"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"

	apperrors "swiftservice/pkg/errors"
	"swiftservice/pkg/logger"
)

// refreshSkew is how close to expiry a cached ID token is refreshed.
const refreshSkew = 60 * time.Second

type Option func(*Session)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.auth.httpClient = c }
}

// WithEndpoints points the session at non-default identity endpoints,
// e.g. the auth emulator.
func WithEndpoints(identityURL, secureTokenURL string) Option {
	return func(s *Session) {
		s.auth.identityURL = identityURL
		s.auth.secureTokenURL = secureTokenURL
	}
}

// WithAdminClient enables SignInWithDevToken.
func WithAdminClient(c *auth.Client) Option {
	return func(s *Session) { s.admin = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is the signed-in end user. It implements the token source used
// by the transport and the REST client.
type Session struct {
	auth  *authClient
	admin *auth.Client
	now   func() time.Time

	refreshGroup singleflight.Group

	mu           sync.Mutex
	uid          string
	idToken      string
	refreshToken string
	expiry       time.Time

	listenerMu sync.Mutex
	listeners  map[uint64]func(uid string)
	nextID     uint64
}

func NewSession(apiKey string, opts ...Option) *Session {
	s := &Session{
		auth: &authClient{
			apiKey:         apiKey,
			httpClient:     &http.Client{Timeout: 15 * time.Second},
			identityURL:    defaultIdentityURL,
			secureTokenURL: defaultSecureTokenURL,
		},
		now:       time.Now,
		listeners: make(map[uint64]func(string)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

// Token returns the current ID token, refreshing it first when it expires
// within a minute. It fails with NO_TOKEN when nobody is signed in.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	token, refresh, expiry := s.idToken, s.refreshToken, s.expiry
	s.mu.Unlock()

	if token == "" {
		return "", apperrors.NoToken(nil)
	}
	if s.now().Add(refreshSkew).Before(expiry) {
		return token, nil
	}
	if refresh == "" {
		return "", apperrors.NoToken(nil)
	}

	v, err, _ := s.refreshGroup.Do(refresh, func() (interface{}, error) {
		creds, err := s.auth.refresh(ctx, refresh)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		// a sign-out raced the refresh
		if s.refreshToken != refresh {
			return nil, apperrors.NoToken(nil)
		}
		s.store(creds)
		return creds.IDToken, nil
	})
	if err != nil {
		logger.Warn("firebase: token refresh failed: %v", err)
		if apperrors.Is(err, apperrors.CodeUnauthorized) {
			return "", apperrors.NoToken(err)
		}
		return "", err
	}
	return v.(string), nil
}

// OnAuthStateChanged registers fn to be called with the user id on sign-in
// and with "" on sign-out. The returned func unregisters it.
func (s *Session) OnAuthStateChanged(fn func(uid string)) func() {
	s.listenerMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Session) SignInWithPassword(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return apperrors.BadRequest("email and password are required", nil)
	}
	creds, err := s.auth.signInWithPassword(ctx, email, password)
	if err != nil {
		return err
	}
	s.signedIn(creds)
	return nil
}

func (s *Session) SignOut() {
	s.mu.Lock()
	wasSignedIn := s.uid != ""
	s.uid, s.idToken, s.refreshToken = "", "", ""
	s.expiry = time.Time{}
	s.mu.Unlock()

	if wasSignedIn {
		logger.Info("firebase: signed out")
		s.notify("")
	}
}

func (s *Session) signedIn(creds *credentials) {
	s.mu.Lock()
	s.store(creds)
	uid := s.uid
	s.mu.Unlock()

	logger.Info("firebase: signed in as %s", uid)
	s.notify(uid)
}

// store must be called with s.mu held.
func (s *Session) store(creds *credentials) {
	if creds.UID != "" {
		s.uid = creds.UID
	}
	s.idToken = creds.IDToken
	if creds.RefreshToken != "" {
		s.refreshToken = creds.RefreshToken
	}
	s.expiry = tokenExpiry(creds.IDToken, s.now().Add(creds.ExpiresIn))
	if s.uid == "" {
		s.uid = tokenSubject(creds.IDToken)
	}
}

func (s *Session) notify(uid string) {
	s.listenerMu.Lock()
	fns := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn(uid)
	}
}

// tokenExpiry reads exp from an ID token without verifying it; the
// backend verifies, the client only needs to know when to refresh.
func tokenExpiry(idToken string, fallback time.Time) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil || claims.ExpiresAt == nil {
		return fallback
	}
	return claims.ExpiresAt.Time
}

func tokenSubject(idToken string) string {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	return claims.Subject
}
