// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the cookie carrying the identity token.
const CookieName = "auth_token"

var ErrMissingToken = errors.New("missing auth token")

// Identity is the caller behind a verified token.
type Identity struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// Keys signs and verifies identity tokens with an ed25519 key pair.
type Keys struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	ttl     time.Duration
	now     func() time.Time
}

// ParseTokenExpireTime reads a TOKEN_EXPIRE_TIME value. "never", "0" and the
// empty string disable expiry.
func ParseTokenExpireTime(raw string) (time.Duration, error) {
	if raw == "never" || raw == "0" || raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token expire time: %w", err)
	}
	return d, nil
}

// GenerateKeys creates a fresh key pair. Tokens do not survive a restart.
func GenerateKeys(ttl time.Duration) (*Keys, error) {
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Keys{private: private, public: public, ttl: ttl, now: time.Now}, nil
}

// LoadKeys reads a raw ed25519 key pair from disk.
func LoadKeys(privatePath, publicPath string, ttl time.Duration) (*Keys, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize || len(publicKeyData) != ed25519.PublicKeySize {
		return nil, errors.New("key files do not hold raw ed25519 keys")
	}
	return &Keys{
		private: ed25519.PrivateKey(privateKeyData),
		public:  ed25519.PublicKey(publicKeyData),
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Issue signs a token with "sub" = id.UID and "name" = id.Name. Without a
// ttl the token carries no exp claim.
func (k *Keys) Issue(id Identity) (string, error) {
	claims := jwt.MapClaims{
		"sub":  id.UID,
		"name": id.Name,
		"iat":  k.now().Unix(),
	}
	if k.ttl > 0 {
		claims["exp"] = k.now().Add(k.ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(k.private)
}

// IssueGuest mints a new random identity and its token.
func (k *Keys) IssueGuest(name string) (Identity, string, error) {
	id := Identity{UID: uuid.NewString(), Name: strings.TrimSpace(name)}
	token, err := k.Issue(id)
	if err != nil {
		return Identity{}, "", err
	}
	return id, token, nil
}

// Verify checks a token and returns the identity it carries.
func (k *Keys) Verify(tokenString string) (Identity, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return k.public, nil
	}, jwt.WithTimeFunc(k.now))
	if err != nil {
		return Identity{}, fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return Identity{}, errors.New("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("invalid jwt claims")
	}
	uid, ok := claims["sub"].(string)
	if !ok || uid == "" {
		return Identity{}, errors.New("missing sub in jwt")
	}
	name, _ := claims["name"].(string)
	return Identity{UID: uid, Name: name}, nil
}

// TokenFromRequest finds the token in the auth_token cookie, a Bearer
// Authorization header or the token query parameter, in that order.
func TokenFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), nil
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, nil
	}
	return "", ErrMissingToken
}

// Authenticate verifies the token carried by r.
func (k *Keys) Authenticate(r *http.Request) (Identity, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return Identity{}, err
	}
	return k.Verify(token)
}
