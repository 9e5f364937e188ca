package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/wavechat/wavechat-api/internal/models"
	"github.com/wavechat/wavechat-api/internal/repository"
)

// ErrInvalidToken indicates the presented credential failed validation.
var ErrInvalidToken = errors.New("invalid token")

// ErrIdentityUnknown indicates a valid credential referenced no known user.
var ErrIdentityUnknown = errors.New("identity not found")

// TokenValidator verifies a bearer credential and extracts the identity
// string embedded in it. Stateless.
type TokenValidator interface {
	Validate(token string) (string, error)
}

type jwtTokenValidator struct {
	secret []byte
}

// NewJWTTokenValidator builds a validator for HMAC-signed JWTs.
func NewJWTTokenValidator(secret string) TokenValidator {
	return &jwtTokenValidator{secret: []byte(secret)}
}

func (v *jwtTokenValidator) Validate(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	for _, key := range []string{"sub", "username"} {
		if value, ok := claims[key]; ok {
			if identity, ok := value.(string); ok && strings.TrimSpace(identity) != "" {
				return strings.TrimSpace(identity), nil
			}
		}
	}

	return "", ErrInvalidToken
}

// IdentityResolver maps an identity string to a full user record.
type IdentityResolver interface {
	Resolve(ctx context.Context, identity string) (models.User, error)
}

type userIdentityResolver struct {
	users repository.UserRepository
}

// NewIdentityResolver resolves identities against the user store.
func NewIdentityResolver(users repository.UserRepository) IdentityResolver {
	return &userIdentityResolver{users: users}
}

func (r *userIdentityResolver) Resolve(ctx context.Context, identity string) (models.User, error) {
	user, err := r.users.GetByUsername(ctx, identity)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, ErrIdentityUnknown
		}
		return models.User{}, err
	}
	return user, nil
}

// AuthService authenticates a transport-level handshake: it validates the
// bearer credential and resolves the embedded identity.
type AuthService interface {
	Authenticate(ctx context.Context, bearer string) (models.User, error)
}

type authService struct {
	validator TokenValidator
	resolver  IdentityResolver
	logger    zerolog.Logger
}

// NewAuthService combines a token validator with an identity resolver.
func NewAuthService(validator TokenValidator, resolver IdentityResolver, logger zerolog.Logger) AuthService {
	return &authService{
		validator: validator,
		resolver:  resolver,
		logger:    logger.With().Str("component", "auth_service").Logger(),
	}
}

func (s *authService) Authenticate(ctx context.Context, bearer string) (models.User, error) {
	const prefix = "Bearer "
	if strings.HasPrefix(strings.ToLower(bearer), strings.ToLower(prefix)) {
		bearer = bearer[len(prefix):]
	}

	identity, err := s.validator.Validate(bearer)
	if err != nil {
		return models.User{}, err
	}

	user, err := s.resolver.Resolve(ctx, identity)
	if err != nil {
		s.logger.Debug().Str("identity", identity).Err(err).Msg("identity resolution failed")
		return models.User{}, err
	}

	return user, nil
}
