package security

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/akii1234/yogya-sub001/internal/domain"

	"github.com/golang-jwt/jwt"
)

const (
	AlgRS256 = "RS256"
	AlgHS256 = "HS256"

	maxClockSkew = time.Minute
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrTokenExpired    = errors.New("token expired or not valid yet")
	ErrInvalidSubject  = errors.New("invalid subject")
)

type VerifierConfig struct {
	Alg       string
	PublicKey *rsa.PublicKey // RS256
	Secret    []byte         // HS256
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// TokenVerifier проверяет токены, выпущенные auth-подсистемой. Сам ничего не выпускает.
type TokenVerifier struct {
	alg       string
	key       any
	issuer    string
	audience  string
	clockSkew time.Duration
	parser    *jwt.Parser

	now func() time.Time
}

type AccessClaims struct {
	jwt.StandardClaims // Issuer, Audience, ExpiresAt, NotBefore, IssuedAt, Subject
	Name               string `json:"name,omitempty"`
}

func NewTokenVerifier(cfg VerifierConfig) (*TokenVerifier, error) {
	if cfg.ClockSkew < 0 || cfg.ClockSkew > maxClockSkew {
		return nil, fmt.Errorf("clock skew must be within [0..%s], got %s", maxClockSkew, cfg.ClockSkew)
	}

	v := &TokenVerifier{
		alg:       strings.ToUpper(cfg.Alg),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		clockSkew: cfg.ClockSkew,
		now:       time.Now,
	}
	switch v.alg {
	case AlgRS256:
		if cfg.PublicKey == nil {
			return nil, errors.New("RS256 requires a public key")
		}
		v.key = cfg.PublicKey
	case AlgHS256:
		if len(cfg.Secret) == 0 {
			return nil, errors.New("HS256 requires a secret")
		}
		v.key = cfg.Secret
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Alg)
	}

	// exp/nbf проверяем сами, с допуском clockSkew
	v.parser = &jwt.Parser{
		ValidMethods:         []string{v.alg},
		SkipClaimsValidation: true,
	}
	return v, nil
}

// Verify resolves raw into an identity. An empty token is the anonymous
// identity; any other failure wraps domain.ErrUnauthenticated.
func (v *TokenVerifier) Verify(raw string) (domain.Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Anonymous, nil
	}

	claims := &AccessClaims{}
	token, err := v.parser.ParseWithClaims(raw, claims, v.keyFunc)
	if err != nil {
		return domain.Anonymous, unauthenticated(ErrInvalidToken, err)
	}
	if !token.Valid {
		return domain.Anonymous, unauthenticated(ErrInvalidToken, nil)
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return domain.Anonymous, unauthenticated(ErrInvalidIssuer, nil)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return domain.Anonymous, unauthenticated(ErrInvalidAudience, nil)
	}

	now := v.now()
	if claims.ExpiresAt == 0 {
		return domain.Anonymous, unauthenticated(ErrTokenExpired, errors.New("missing exp"))
	}
	exp := time.Unix(claims.ExpiresAt, 0).Add(v.clockSkew)
	if now.After(exp) {
		return domain.Anonymous, unauthenticated(ErrTokenExpired, nil)
	}
	if claims.NotBefore != 0 {
		nbf := time.Unix(claims.NotBefore, 0).Add(-v.clockSkew)
		if now.Before(nbf) {
			return domain.Anonymous, unauthenticated(ErrTokenExpired, nil)
		}
	}

	uid, err := SubjectAsUserID(claims)
	if err != nil {
		return domain.Anonymous, unauthenticated(err, nil)
	}
	return domain.Identity{UserID: uid, DisplayName: strings.TrimSpace(claims.Name)}, nil
}

func (v *TokenVerifier) keyFunc(t *jwt.Token) (any, error) {
	switch v.alg {
	case AlgRS256:
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok || t.Method.Alg() != AlgRS256 {
			return nil, ErrInvalidToken
		}
	case AlgHS256:
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok || t.Method.Alg() != AlgHS256 {
			return nil, ErrInvalidToken
		}
	}
	return v.key, nil
}

func SubjectAsUserID(claims *AccessClaims) (domain.UserID, error) {
	if claims == nil || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidSubject
	}
	return domain.UserID(strings.TrimSpace(claims.Subject)), nil
}

func LoadRSAPublicKeyFromPEM(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, err
	}

	return pub, nil
}

func unauthenticated(reason, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %w: %v", domain.ErrUnauthenticated, reason, cause)
	}
	return fmt.Errorf("%w: %w", domain.ErrUnauthenticated, reason)
}
