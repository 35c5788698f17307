package v1

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"
)

const issuer = "parley"

// GenerateAccessToken signs a token identifying userID. A zero ttl never
// expires.
func GenerateAccessToken(secret, userID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required to sign tokens")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (s *APIV1Service) parseAccessToken(token string) (string, error) {
	if s.Secret == "" {
		return "", errors.New("token authentication is not configured")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return "", errors.Wrap(err, "invalid access token")
	}
	if claims.Subject == "" {
		return "", errors.New("access token has no subject")
	}
	return claims.Subject, nil
}

// authenticate returns the caller's user id. Requests without credentials are
// anonymous and get an empty id. Browsers cannot set headers on WebSocket
// requests, so the token may also come in the access_token query parameter.
func (s *APIV1Service) authenticate(c *echo.Context) (string, error) {
	token := c.QueryParam("access_token")
	if header := c.Request().Header.Get("Authorization"); header != "" {
		var ok bool
		if token, ok = strings.CutPrefix(header, "Bearer "); !ok {
			return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
	}
	if token == "" {
		return "", nil
	}
	userID, err := s.parseAccessToken(strings.TrimSpace(token))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return userID, nil
}

// requireAuth is authenticate for endpoints closed to anonymous callers.
func (s *APIV1Service) requireAuth(c *echo.Context) (string, error) {
	userID, err := s.authenticate(c)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return userID, nil
}
