package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	errs "github.com/matheus3301/chatsync/internal/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	credFilePerm    = fs.FileMode(0o600)
	credOpenTimeout = 5 * time.Second
)

var (
	authBucket     = []byte("auth")
	credentialsKey = []byte("credentials")
)

// Credentials is the login session handed over by the host app.
type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
	UserID       string    `json:"userId,omitempty"`
}

// Expired reports whether the access token is past its expiry at now.
// Tokens without a known expiry never expire locally.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// TokenClaims reads the expiry and subject of a JWT access token without
// verifying its signature. Opaque tokens return zero values.
func TokenClaims(token string) (expiresAt time.Time, subject string) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, ""
	}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return expiresAt, claims.Subject
}

// Store keeps credentials in a bbolt file. It implements the bearer token
// source of the request client.
type Store struct {
	db  *bolt.DB
	now func() time.Time

	mu     sync.Mutex
	cached *Credentials
}

// OpenStore opens or creates the credential file at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	db, err := bolt.Open(path, credFilePerm, &bolt.Options{Timeout: credOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(authBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session db: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the credential file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores c, filling the expiry and user from the token claims when
// they are not given.
func (s *Store) Save(c Credentials) error {
	if c.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", errs.ErrNoSession)
	}
	exp, sub := TokenClaims(c.AccessToken)
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = exp
	}
	if c.UserID == "" {
		c.UserID = sub
	}

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Put(credentialsKey, data)
	}); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}

	s.mu.Lock()
	s.cached = &c
	s.mu.Unlock()
	return nil
}

// Load returns the stored credentials or errors.ErrNoSession.
func (s *Store) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return *s.cached, nil
	}

	var c Credentials
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(authBucket).Get(credentialsKey)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &c)
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("reading credentials: %w", err)
	}
	if !found {
		return Credentials{}, errs.ErrNoSession
	}
	s.cached = &c
	return c, nil
}

// Clear removes the stored credentials.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Delete(credentialsKey)
	})
}

// Token returns the access token for the next request.
func (s *Store) Token(_ context.Context) (string, error) {
	c, err := s.Load()
	if err != nil {
		return "", err
	}
	if c.Expired(s.now()) {
		return "", fmt.Errorf("%w at %s", errs.ErrTokenExpired, c.ExpiresAt.Format(time.RFC3339))
	}
	return c.AccessToken, nil
}

// Invalidate drops the session after the server rejected it.
func (s *Store) Invalidate(_ context.Context) error {
	err := s.Clear()
	if err != nil {
		return fmt.Errorf("invalidating session: %w", err)
	}
	return nil
}

// HasSession reports whether usable credentials are stored.
func (s *Store) HasSession() bool {
	c, err := s.Load()
	return err == nil && !c.Expired(s.now())
}
