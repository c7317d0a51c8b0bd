package security

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"

	"github.com/golang-jwt/jwt"
)

var (
	errInvalidToken    = errors.New("invalid token")
	errInvalidIssuer   = errors.New("invalid issuer")
	errInvalidAudience = errors.New("invalid audience")
	errTokenExpired    = errors.New("token expired")
	errInvalidSubject  = errors.New("invalid subject")
)

// AccessClaims: sub это user id, role опционален (passenger по умолчанию).
type AccessClaims struct {
	jwt.StandardClaims
	Role string `json:"role,omitempty"`
}

type VerifierConfig struct {
	PublicKey *rsa.PublicKey // RS256, если задан
	Secret    []byte         // иначе HS256
	Issuer    string         // пусто: не проверять
	Audience  string         // пусто: не проверять
	ClockSkew time.Duration
}

// JWTVerifier проверяет access-токены при handshake и в HTTP.
type JWTVerifier struct {
	cfg VerifierConfig
	now func() time.Time
}

func NewJWTVerifier(cfg VerifierConfig) (*JWTVerifier, error) {
	if cfg.PublicKey == nil && len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("jwt verifier: neither public key nor secret configured")
	}
	return &JWTVerifier{cfg: cfg, now: time.Now}, nil
}

// Verify возвращает Identity; любая ошибка оборачивает domain.ErrAuthentication.
func (v *JWTVerifier) Verify(tokenStr string) (domain.Identity, error) {
	claims, err := v.parseAndValidate(strings.TrimSpace(tokenStr))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrAuthentication, errInvalidSubject)
	}

	role := domain.Role(strings.ToLower(claims.Role))
	switch role {
	case domain.RoleDriver, domain.RoleAdmin, domain.RolePassenger:
	case "":
		role = domain.RolePassenger
	default:
		return domain.Identity{}, fmt.Errorf("%w: unknown role %q", domain.ErrAuthentication, claims.Role)
	}
	return domain.Identity{UserID: claims.Subject, Role: role}, nil
}

func (v *JWTVerifier) parseAndValidate(tokenStr string) (*AccessClaims, error) {
	if tokenStr == "" {
		return nil, errInvalidToken
	}
	claims := &AccessClaims{}
	parser := &jwt.Parser{SkipClaimsValidation: true} // exp/nbf проверяем сами с clockSkew
	token, err := parser.ParseWithClaims(tokenStr, claims, v.keyFunc)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errInvalidToken
	}

	if v.cfg.Issuer != "" && !claims.VerifyIssuer(v.cfg.Issuer, true) {
		return nil, errInvalidIssuer
	}
	if v.cfg.Audience != "" && !claims.VerifyAudience(v.cfg.Audience, true) {
		return nil, errInvalidAudience
	}

	now := v.now()
	if claims.ExpiresAt == 0 {
		return nil, errTokenExpired
	}
	exp := time.Unix(claims.ExpiresAt, 0).Add(v.cfg.ClockSkew)
	if now.After(exp) {
		return nil, errTokenExpired
	}
	if claims.NotBefore != 0 {
		nbf := time.Unix(claims.NotBefore, 0).Add(-v.cfg.ClockSkew)
		if now.Before(nbf) {
			return nil, errTokenExpired
		}
	}
	return claims, nil
}

func (v *JWTVerifier) keyFunc(t *jwt.Token) (any, error) {
	if v.cfg.PublicKey != nil {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok || t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, errInvalidToken
		}
		return v.cfg.PublicKey, nil
	}
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, errInvalidToken
	}
	return v.cfg.Secret, nil
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
