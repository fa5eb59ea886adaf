package identity

import (
	"context"
	"crypto/ecdsa"
	"sync"

	"github.com/AvaProtocol/userop-sponsor/core/chainio/signer"
)

// StaticProvider serves a fixed key, for local use and tests. It starts
// disconnected, like a provider whose session has not been restored yet.
type StaticProvider struct {
	mu        sync.Mutex
	key       *ecdsa.PrivateKey
	idToken   string
	connected bool
}

func NewStaticProvider(privateKeyHex, idToken string) (*StaticProvider, error) {
	key, err := signer.ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &StaticProvider{key: key, idToken: idToken}, nil
}

func (p *StaticProvider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *StaticProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *StaticProvider) ExportKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	return p.key, nil
}

func (p *StaticProvider) IDToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return "", ErrNotConnected
	}
	return p.idToken, nil
}
