package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	appconfig "github.com/AvaProtocol/userop-sponsor/core/config"
	"github.com/AvaProtocol/userop-sponsor/core/identity"
	"github.com/AvaProtocol/userop-sponsor/core/session"
)

// providerFromConfig returns nil when no owner key is configured, which Login
// reports as identity.ErrNoProvider.
func providerFromConfig(c *appconfig.Config) (identity.Provider, error) {
	if c.OwnerPrivateKey == "" {
		return nil, nil
	}
	return identity.NewStaticProvider(c.OwnerPrivateKey, c.IDToken)
}

// openSession loads the config, connects every endpoint and logs the owner in.
func openSession(ctx context.Context, reg prometheus.Registerer) (*session.Session, *appconfig.Config, error) {
	c, err := appconfig.NewConfig(config)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot load config %s: %w", config, err)
	}

	s, err := session.Open(ctx, c, reg)
	if err != nil {
		return nil, nil, err
	}

	provider, err := providerFromConfig(c)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	if _, err := s.Login(ctx, provider); err != nil {
		s.Close()
		if errors.Is(err, identity.ErrNoProvider) {
			return nil, nil, fmt.Errorf("%w: set %s or owner_private_key", err, appconfig.EnvOwnerPrivateKey)
		}
		return nil, nil, err
	}
	return s, c, nil
}
