package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
)

// JWKSVerifier implements JWTVerifier against a JWKS endpoint of the
// identity provider. Keys are cached and refreshed by the keyfunc client
// based on HTTP cache headers.
type JWKSVerifier struct {
	jwks   keyfunc.Keyfunc
	logger *slog.Logger
}

// NewJWTVerifier creates a verifier that fetches public keys from the
// given JWKS endpoint.
func NewJWTVerifier(jwksURL string, logger *slog.Logger) (JWTVerifier, error) {
	if jwksURL == "" {
		return nil, errors.New("JWKS URL cannot be empty")
	}

	jwks, err := keyfunc.NewDefaultCtx(context.Background(), []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS client: %w", err)
	}

	logger.Info("JWT verifier initialized", "jwks_url", jwksURL)

	return &JWKSVerifier{
		jwks:   jwks,
		logger: logger,
	}, nil
}

// VerifyToken validates a JWT and extracts the access claims
func (v *JWKSVerifier) VerifyToken(tokenString string) (*models.AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.AccessClaims{}, v.jwks.Keyfunc)
	if err != nil {
		v.logger.Debug("token parse failed", "error", err)
		return nil, &domain.UnauthorizedError{Message: "invalid token"}
	}
	if !token.Valid {
		return nil, &domain.UnauthorizedError{Message: "invalid token"}
	}

	// Prevent algorithm confusion attacks - allow only RS256 or ES256
	switch token.Method.Alg() {
	case "RS256", "ES256":
	default:
		v.logger.Warn("token uses unexpected algorithm", "algorithm", token.Method.Alg())
		return nil, &domain.UnauthorizedError{Message: "invalid token"}
	}

	claims, ok := token.Claims.(*models.AccessClaims)
	if !ok {
		return nil, &domain.UnauthorizedError{Message: "invalid token"}
	}
	if claims.Subject == "" {
		return nil, &domain.UnauthorizedError{Message: "token missing subject"}
	}
	// Reject anonymous tokens.
	if claims.Role != "authenticated" {
		return nil, &domain.UnauthorizedError{Message: "token not authenticated"}
	}

	return claims, nil
}

// Close releases resources held by the verifier. The keyfunc client
// manages its own lifecycle, so this is a no-op kept for shutdown
// symmetry.
func (v *JWKSVerifier) Close() error {
	return nil
}
