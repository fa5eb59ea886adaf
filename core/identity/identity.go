// Package identity is the boundary to the external identity provider that
// yields the owner key of the smart account. The provider performs login and
// consent; this package only consumes the key and the opaque identity token.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"

	"github.com/AvaProtocol/userop-sponsor/core/chainio/signer"
	"github.com/AvaProtocol/userop-sponsor/pkg/logger"
)

var (
	// ErrNoProvider is a hard error: without a provider there is nothing to
	// connect to. A provider that exists but is not connected is connected on
	// demand instead.
	ErrNoProvider   = errors.New("no identity provider configured")
	ErrNotConnected = errors.New("identity provider is not connected")
)

// Provider is what a social login SDK exposes once initialized.
type Provider interface {
	signer.KeyExporter
	Connected() bool
	Connect(ctx context.Context) error
	IDToken(ctx context.Context) (string, error)
}

// Claims are read from the identity token without verifying it, for display
// and correlation only. Nothing here is trusted.
type Claims struct {
	Subject   string
	Issuer    string
	Email     string
	Name      string
	ExpiresAt time.Time
}

// Identity is a logged in owner. It keeps the provider, not the key, so every
// signature exports the key for just that call.
type Identity struct {
	Owner   common.Address
	IDToken string
	Claims  *Claims

	keys signer.KeyExporter
}

// Keys returns the key source for the owner.
func (i *Identity) Keys() signer.KeyExporter {
	return i.keys
}

func (i *Identity) String() string {
	if i.Claims != nil && i.Claims.Subject != "" {
		return fmt.Sprintf("%s (%s)", i.Owner.Hex(), i.Claims.Subject)
	}
	return i.Owner.Hex()
}

// Login connects the provider when needed and derives the owner address.
func Login(ctx context.Context, p Provider, log sdklogging.Logger) (*Identity, error) {
	log = logger.EnsureLogger(log)
	if p == nil {
		return nil, ErrNoProvider
	}

	if !p.Connected() {
		log.Info("identity provider not connected, connecting")
		if err := p.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect identity provider: %w", err)
		}
	}

	key, err := p.ExportKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("export owner key: %w", err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)

	token, err := p.IDToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("read identity token: %w", err)
	}

	id := &Identity{Owner: owner, IDToken: token, keys: p}
	if token != "" {
		claims, err := ParseClaims(token)
		if err != nil {
			log.Warn("identity token is not a readable JWT", "owner", owner.Hex(), "error", err)
		} else {
			id.Claims = claims
		}
	}

	log.Info("logged in", "owner", owner.Hex(), "subject", subjectOf(id.Claims))
	return id, nil
}

func subjectOf(c *Claims) string {
	if c == nil {
		return ""
	}
	return c.Subject
}

// ParseClaims decodes the token payload. The signature is not checked.
func ParseClaims(token string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mapClaims); err != nil {
		return nil, err
	}

	claims := &Claims{}
	claims.Subject, _ = mapClaims.GetSubject()
	claims.Issuer, _ = mapClaims.GetIssuer()
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	}
	return claims, nil
}
