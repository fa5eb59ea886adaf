package bundler

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/userop-sponsor/pkg/logger"
)

const DefaultClaimTTL = 2 * time.Minute

var ErrClaimNotActive = errors.New("nonce claim is no longer active")

// NonceFetcher reads the sender's next nonce from the EntryPoint.
type NonceFetcher func(ctx context.Context) (*big.Int, error)

// NonceManager hands out exclusive nonce claims so that concurrent builds for
// the same sender never capture the same nonce. The next nonce of a sender is
// max(on-chain nonce, next unclaimed local nonce); released nonces are reused
// lowest first so the claimed set stays contiguous.
type NonceManager struct {
	mu      sync.Mutex
	senders map[common.Address]*senderNonces

	ttl    time.Duration
	now    func() time.Time
	logger sdklogging.Logger
}

type senderNonces struct {
	// held across the on-chain read so claims for one sender are serialized
	mu       sync.Mutex
	next     *big.Int
	released []*big.Int
	claims   map[*NonceClaim]struct{}
}

type claimState int

const (
	claimActive claimState = iota
	claimCommitted
	claimReleased
)

// NonceClaim is an exclusive hold on one nonce of one sender. It ends with
// Commit once the operation is accepted by the bundler, or Release on abort.
type NonceClaim struct {
	Sender  common.Address
	Nonce   *big.Int
	Expires time.Time

	manager *NonceManager
	state   claimState
}

// NewNonceManager creates a NonceManager. A zero ttl uses DefaultClaimTTL.
func NewNonceManager(ttl time.Duration, log sdklogging.Logger) *NonceManager {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &NonceManager{
		senders: make(map[common.Address]*senderNonces),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.EnsureLogger(log),
	}
}

func (nm *NonceManager) sender(addr common.Address) *senderNonces {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	s, ok := nm.senders[addr]
	if !ok {
		s = &senderNonces{claims: make(map[*NonceClaim]struct{})}
		nm.senders[addr] = s
	}
	return s
}

// Claim reserves the next nonce for sender.
func (nm *NonceManager) Claim(ctx context.Context, sender common.Address, fetch NonceFetcher) (*NonceClaim, error) {
	s := nm.sender(sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	onChain, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	now := nm.now()
	nm.reapExpired(s, now)

	switch {
	case s.next == nil:
		s.next = new(big.Int).Set(onChain)
		nm.logger.Debug("nonce manager: first claim for sender, using on-chain nonce", "sender", sender.Hex(), "nonce", onChain)
	case onChain.Cmp(s.next) > 0:
		// earlier operations were mined, or submitted elsewhere
		nm.logger.Debug("nonce manager: on-chain nonce ahead of local", "sender", sender.Hex(), "onchain", onChain, "local", s.next)
		s.next = new(big.Int).Set(onChain)
	}
	s.dropReleasedBelow(onChain)

	var nonce *big.Int
	if len(s.released) > 0 {
		nonce = s.released[0]
		s.released = s.released[1:]
	} else {
		nonce = new(big.Int).Set(s.next)
		s.next.Add(s.next, big.NewInt(1))
	}

	claim := &NonceClaim{
		Sender:  sender,
		Nonce:   nonce,
		Expires: now.Add(nm.ttl),
		manager: nm,
	}
	s.claims[claim] = struct{}{}

	nm.logger.Info("nonce claimed", "sender", sender.Hex(), "nonce", nonce, "onchain", onChain)
	return claim, nil
}

// reapExpired turns claims past their TTL back into reusable nonces.
func (nm *NonceManager) reapExpired(s *senderNonces, now time.Time) {
	for c := range s.claims {
		if now.Before(c.Expires) {
			continue
		}
		nm.logger.Warn("nonce claim expired", "sender", c.Sender.Hex(), "nonce", c.Nonce)
		c.state = claimReleased
		delete(s.claims, c)
		s.giveBack(c.Nonce)
	}
}

// giveBack returns nonce to the pool. Releasing the highest handed-out nonce
// shrinks next instead, so an aborted build leaves no gap.
func (s *senderNonces) giveBack(nonce *big.Int) {
	if s.next == nil {
		// reset since the claim was taken
		return
	}
	top := new(big.Int).Sub(s.next, big.NewInt(1))
	if nonce.Cmp(top) != 0 {
		s.released = append(s.released, nonce)
		sort.Slice(s.released, func(i, j int) bool { return s.released[i].Cmp(s.released[j]) < 0 })
		return
	}

	s.next = top
	for n := len(s.released); n > 0; n = len(s.released) {
		last := s.released[n-1]
		if last.Cmp(new(big.Int).Sub(s.next, big.NewInt(1))) != 0 {
			break
		}
		s.released = s.released[:n-1]
		s.next.Sub(s.next, big.NewInt(1))
	}
}

func (s *senderNonces) dropReleasedBelow(floor *big.Int) {
	kept := s.released[:0]
	for _, n := range s.released {
		if n.Cmp(floor) >= 0 {
			kept = append(kept, n)
		}
	}
	s.released = kept
}

func (nm *NonceManager) finish(c *NonceClaim, state claimState) error {
	s := nm.sender(c.Sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.state != claimActive {
		return ErrClaimNotActive
	}
	c.state = state
	delete(s.claims, c)

	if state == claimReleased {
		s.giveBack(c.Nonce)
	}
	return nil
}

// Commit marks the nonce as consumed. Call it once the bundler accepted the
// operation.
func (c *NonceClaim) Commit() error {
	return c.manager.finish(c, claimCommitted)
}

// Release gives the nonce back for the next claim.
func (c *NonceClaim) Release() error {
	return c.manager.finish(c, claimReleased)
}

// Valid reports whether the claim is still held and not past its TTL.
func (c *NonceClaim) Valid() bool {
	s := c.manager.sender(c.Sender)
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.state == claimActive && c.manager.now().Before(c.Expires)
}

// Reset clears local state for a sender, forcing the next Claim to start from
// the on-chain nonce. Use this when the bundler dropped pending operations.
// Outstanding claims are left untouched.
func (nm *NonceManager) Reset(sender common.Address) {
	s := nm.sender(sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next = nil
	s.released = nil
	nm.logger.Info("nonce manager: reset sender, will fetch fresh from chain", "sender", sender.Hex())
}

// Pending returns the next local nonce for sender without reading the chain.
// Returns (nonce, true) if known, (nil, false) otherwise.
func (nm *NonceManager) Pending(sender common.Address) (*big.Int, bool) {
	s := nm.sender(sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next == nil {
		return nil, false
	}
	return new(big.Int).Set(s.next), true
}
