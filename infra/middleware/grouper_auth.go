package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"grouper_server/pkg/apperr"
	"grouper_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "revoked:"

// TokenRevocations tracks revoked token ids in Redis.
type TokenRevocations struct {
	client *redis.Client
}

func NewTokenRevocations(client *redis.Client) *TokenRevocations {
	return &TokenRevocations{client: client}
}

// Revoke marks a token id as revoked for the remainder of its lifetime.
func (r *TokenRevocations) Revoke(ctx context.Context, tokenID string, expiry time.Duration) error {
	return r.client.Set(ctx, revokedKeyPrefix+tokenID, "1", expiry).Err()
}

// IsRevoked fails open when Redis is unavailable.
func (r *TokenRevocations) IsRevoked(ctx context.Context, tokenID string) bool {
	if r == nil || r.client == nil {
		return false
	}
	n, err := r.client.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		logger.WithError(err).Warn("token revocation check failed")
		return false
	}
	return n > 0
}

// AuthConfig configures JWTAuth.
type AuthConfig struct {
	Secret      string
	Issuer      string
	Revocations *TokenRevocations
}

// JWTAuth validates HS256 bearer tokens and stores the subject as user_id.
func JWTAuth(cfg AuthConfig) fiber.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Minute),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		tokenString := bearerToken(c.Get(fiber.HeaderAuthorization))
		if tokenString == "" {
			return apperr.Unauthorized("missing authorization")
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
			if cfg.Secret == "" {
				return nil, fmt.Errorf("JWT secret not configured")
			}
			return []byte(cfg.Secret), nil
		})
		if err != nil || !token.Valid {
			logger.WithError(err).Warn("JWT validation failed")
			return apperr.InvalidToken("invalid token")
		}

		if jti, ok := claims["jti"].(string); ok && jti != "" {
			if cfg.Revocations.IsRevoked(c.Context(), jti) {
				return apperr.InvalidToken("token has been revoked")
			}
		}

		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return apperr.InvalidToken("missing user id in token")
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			return apperr.InvalidToken("invalid user id format")
		}

		email, _ := claims["email"].(string)
		c.Locals("user_id", userID)
		c.Locals("user_email", email)
		c.Locals("claims", claims)
		return c.Next()
	}
}

// AdminOnly requires a role claim of "admin" (top level or in app_metadata).
func AdminOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, _ := c.Locals("claims").(jwt.MapClaims)
		if roleOf(claims) != "admin" {
			return apperr.Forbidden("admin role required")
		}
		return c.Next()
	}
}

func roleOf(claims jwt.MapClaims) string {
	if claims == nil {
		return ""
	}
	if role, ok := claims["role"].(string); ok && role == "admin" {
		return role
	}
	if meta, ok := claims["app_metadata"].(map[string]any); ok {
		if role, ok := meta["role"].(string); ok {
			return role
		}
	}
	return ""
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
