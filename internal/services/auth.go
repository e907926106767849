package services

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService verifies the access tokens issued by the account service. The
// websocket handshake, the REST API and the beacon endpoint all bind the
// caller's user id through VerifyUser or ParseToken.
type TokenService struct {
	Secret    []byte
	Issuer    string
	AccessTTL time.Duration
}

type TokenClaims struct {
	UserID string
	Roles  []string
}

func (t TokenService) CreateAccessToken(userID string, roles []string) (string, int64, error) {
	now := time.Now().UTC()
	ttl := t.AccessTTL
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"iss":   t.Issuer,
		"sub":   userID,
		"typ":   "access",
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.Secret)
	return signed, exp.Unix(), err
}

func (t TokenService) ParseToken(tokenStr string) (*jwt.Token, jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return t.Secret, nil
	}, jwt.WithIssuer(t.Issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return token, claims, err
}

// Access parses an access token and returns its subject and roles.
func (t TokenService) Access(tokenStr string) (TokenClaims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return TokenClaims{}, ErrUnauthorized("Authentication failed")
	}
	token, claims, err := t.ParseToken(tokenStr)
	if err != nil || !token.Valid || claims["typ"] != "access" {
		return TokenClaims{}, ErrUnauthorized("Authentication failed")
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		return TokenClaims{}, ErrUnauthorized("Authentication failed")
	}
	roles := []string{}
	if rawRoles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range rawRoles {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}
	return TokenClaims{UserID: userID, Roles: roles}, nil
}

// VerifyUser checks that tokenStr is a valid access token for userID.
func (t TokenService) VerifyUser(tokenStr, userID string) error {
	claims, err := t.Access(tokenStr)
	if err != nil {
		return err
	}
	if claims.UserID != userID {
		return ErrForbidden("User mismatch")
	}
	return nil
}
