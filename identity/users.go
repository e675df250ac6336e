package identity

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oidc-provider/claims"
	"github.com/giantswarm/oidc-provider/protocol"
	"github.com/giantswarm/oidc-provider/storage"
)

// Compared against when the username is unknown so that both paths cost one
// bcrypt comparison.
const dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// User is a resource owner known to the UserStore.
type User struct {
	Subject      string         `yaml:"subject"`
	Username     string         `yaml:"username"`
	PasswordHash string         `yaml:"password_hash,omitempty"`
	Disabled     bool           `yaml:"disabled,omitempty"`
	Claims       []claims.Claim `yaml:"claims,omitempty"`
}

type userFile struct {
	Users []User `yaml:"users"`
}

type directory struct {
	bySubject  map[string]*User
	byUsername map[string]*User
}

// UserStore is an in-memory user directory loaded from YAML. Reloads replace the
// whole directory atomically.
type UserStore struct {
	current atomic.Pointer[directory]
	logger  *slog.Logger
	now     func() time.Time
}

// NewUserStore creates a store serving users.
func NewUserStore(users []User, logger *slog.Logger) (*UserStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir, err := buildDirectory(users)
	if err != nil {
		return nil, err
	}
	s := &UserStore{logger: logger, now: time.Now}
	s.current.Store(dir)
	return s, nil
}

// ParseUsers decodes a YAML users file. Unknown fields are rejected.
func ParseUsers(data []byte) ([]User, error) {
	var f userFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	return f.Users, nil
}

// LoadUserStore reads a YAML users file.
func LoadUserStore(path string, logger *slog.Logger) (*UserStore, error) {
	users, err := readUsers(path)
	if err != nil {
		return nil, err
	}
	return NewUserStore(users, logger)
}

// ReloadFile replaces the directory with the contents of path. On error the
// current directory stays active.
func (s *UserStore) ReloadFile(path string) error {
	users, err := readUsers(path)
	if err == nil {
		var dir *directory
		if dir, err = buildDirectory(users); err == nil {
			s.current.Store(dir)
			s.logger.Info("User directory reloaded", "users", len(dir.bySubject))
			return nil
		}
	}
	s.logger.Error("User directory reload failed, keeping current users", "path", path, "error", err)
	return err
}

func readUsers(path string) ([]User, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	return ParseUsers(data)
}

func buildDirectory(users []User) (*directory, error) {
	dir := &directory{
		bySubject:  make(map[string]*User, len(users)),
		byUsername: make(map[string]*User, len(users)),
	}
	for _, u := range users {
		if u.Subject == "" {
			return nil, fmt.Errorf("user subject is required")
		}
		if _, dup := dir.bySubject[u.Subject]; dup {
			return nil, fmt.Errorf("duplicate user subject %q", u.Subject)
		}
		if u.PasswordHash != "" {
			if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
				return nil, fmt.Errorf("user %q: password_hash is not a bcrypt hash", u.Subject)
			}
		}
		u.Claims = slices.Clone(u.Claims)
		dir.bySubject[u.Subject] = &u
		if u.Username != "" {
			if _, dup := dir.byUsername[u.Username]; dup {
				return nil, fmt.Errorf("duplicate username %q", u.Username)
			}
			dir.byUsername[u.Username] = &u
		}
	}
	return dir, nil
}

// HashPassword returns a bcrypt hash for User.PasswordHash.
func HashPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ValidateCredentials checks username and password against the directory.
func (s *UserStore) ValidateCredentials(_ context.Context, username, password string) (storage.SubjectContext, error) {
	u, ok := s.current.Load().byUsername[username]

	hash := dummyPasswordHash
	if ok && u.PasswordHash != "" {
		hash = u.PasswordHash
	}
	match := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil

	if !ok || u.Disabled || u.PasswordHash == "" || !match {
		return storage.SubjectContext{}, ErrInvalidCredentials
	}

	return storage.SubjectContext{
		Subject:   u.Subject,
		SessionID: uuid.NewString(),
		AuthTime:  s.now(),
		Claims: append(slices.Clone(u.Claims),
			claims.New(protocol.ClaimAuthMethods, "pwd")),
	}, nil
}

// ProfileClaims merges the login context claims with the stored user claims.
// For each requested type, context claims win over stored ones.
func (s *UserStore) ProfileClaims(_ context.Context, subject storage.SubjectContext, claimTypes []string) ([]claims.Claim, error) {
	if len(claimTypes) == 0 {
		return nil, nil
	}

	fromContext := claims.FilterTypes(subject.Claims, claimTypes)
	u, ok := s.current.Load().bySubject[subject.Subject]
	if !ok {
		return fromContext, nil
	}

	out := fromContext
	for _, c := range claims.FilterTypes(u.Claims, claimTypes) {
		if _, shadowed := claims.First(fromContext, c.Type); shadowed {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// IsActive reports whether subject is a known, enabled user.
func (s *UserStore) IsActive(_ context.Context, subject string) (bool, error) {
	u, ok := s.current.Load().bySubject[subject]
	return ok && !u.Disabled, nil
}

// Len returns the number of users.
func (s *UserStore) Len() int {
	return len(s.current.Load().bySubject)
}

var (
	_ ProfileService         = (*UserStore)(nil)
	_ ResourceOwnerValidator = (*UserStore)(nil)
	_ ProfileService         = ContextProfileService{}
)
