// Package allowance implements the signed-allowance mechanism: a principal
// authorizes the registry to spend a bounded amount of its resource by signing
// an offline, single-use, time-bounded token instead of making a prior
// on-ledger approval.
//
// Tokens are HS256 JWTs signed with the principal's provisioned secret. The
// jti claim makes each token single-use: verification atomically marks it
// consumed, so replaying a token fails even inside its validity window. When
// the spend a token authorized rolls back, Release frees the marker so the
// token stays valid for a retry.
package allowance

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "proxyvote/pkg/domain"
	dErrors "proxyvote/pkg/domain-errors"
	"proxyvote/pkg/platform/sentinel"
	"proxyvote/pkg/requestcontext"
)

// Claims carries the allowance grant inside the JWT.
type Claims struct {
	Principal string `json:"principal"`
	Spender   string `json:"spender"`
	Amount    uint64 `json:"amount"`
	jwt.RegisteredClaims
}

// Grant is a verified allowance. TokenID is the consumed jti; callers hand it
// back to Release when the spend it authorized does not commit.
type Grant struct {
	Principal id.AccountID
	Spender   id.AccountID
	Amount    uint64
	TokenID   string
}

// KeyStore resolves the signing secret provisioned for a principal.
type KeyStore interface {
	SecretFor(ctx context.Context, principal id.AccountID) ([]byte, error)
}

// ConsumedStore tracks spent token IDs. Consume must be atomic: exactly one
// caller wins for a given jti; later callers get sentinel.ErrAlreadyUsed.
// Release drops the marker again; releasing an absent jti is a no-op.
type ConsumedStore interface {
	Consume(ctx context.Context, jti string, ttl time.Duration) error
	Release(ctx context.Context, jti string) error
}

// Service issues and verifies signed allowances.
type Service struct {
	keys     KeyStore
	consumed ConsumedStore
}

func NewService(keys KeyStore, consumed ConsumedStore) *Service {
	return &Service{keys: keys, consumed: consumed}
}

// Issue signs an allowance token on behalf of principal. Production principals
// sign client-side with the same layout; Issue exists for tests and tooling.
func (s *Service) Issue(ctx context.Context, principal, spender id.AccountID, amount uint64, expiresIn time.Duration) (string, error) {
	secret, err := s.keys.SecretFor(ctx, principal)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInvalidAuthorization, "no signing key for principal")
	}
	now := requestcontext.Now(ctx)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Principal: principal.String(),
		Spender:   spender.String(),
		Amount:    amount,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(secret)
}

// VerifyAndConsume validates a token for the given spender and atomically
// marks it spent. Any failure (bad signature, expiry, wrong spender, replay)
// surfaces as CodeInvalidAuthorization, and the token stays unconsumed unless
// it fully verified.
func (s *Service) VerifyAndConsume(ctx context.Context, tokenString string, spender id.AccountID) (Grant, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		claims, ok := token.Claims.(*Claims)
		if !ok {
			return nil, jwt.ErrTokenInvalidClaims
		}
		principal, err := id.ParseAccountID(claims.Principal)
		if err != nil {
			return nil, jwt.ErrTokenInvalidClaims
		}
		return s.keys.SecretFor(ctx, principal)
	}, jwt.WithTimeFunc(func() time.Time { return requestcontext.Now(ctx) }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Grant{}, dErrors.New(dErrors.CodeInvalidAuthorization, "allowance has expired")
		}
		return Grant{}, dErrors.Wrap(err, dErrors.CodeInvalidAuthorization, "allowance signature invalid")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Grant{}, dErrors.New(dErrors.CodeInvalidAuthorization, "allowance claims invalid")
	}

	principal, err := id.ParseAccountID(claims.Principal)
	if err != nil {
		return Grant{}, dErrors.New(dErrors.CodeInvalidAuthorization, "allowance principal invalid")
	}
	grantSpender, err := id.ParseAccountID(claims.Spender)
	if err != nil || grantSpender != spender {
		return Grant{}, dErrors.New(dErrors.CodeInvalidAuthorization, "allowance granted to a different spender")
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return Grant{}, dErrors.New(dErrors.CodeInvalidAuthorization, "allowance missing id or expiry")
	}

	// Retain the consumed marker until the token would have expired anyway.
	ttl := claims.ExpiresAt.Sub(requestcontext.Now(ctx))
	if err := s.consumed.Consume(ctx, claims.ID, ttl); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return Grant{}, dErrors.New(dErrors.CodeInvalidAuthorization, "allowance already consumed")
		}
		return Grant{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record allowance consumption")
	}

	return Grant{Principal: principal, Spender: spender, Amount: claims.Amount, TokenID: claims.ID}, nil
}

// Release frees a consumed token ID after the spend it authorized rolled
// back, keeping the token usable for a retry. Never call it for a spend that
// committed.
func (s *Service) Release(ctx context.Context, tokenID string) error {
	return s.consumed.Release(ctx, tokenID)
}
