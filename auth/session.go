// Package auth holds the credential used to reach the coordinating server
// and announces its lifecycle on the event bus.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/btcpayserver/lnsync/events"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrNoCredential is returned when an operation needs a credential and the
// session has none.
var ErrNoCredential = errors.New("no credential available")

// Credential authenticates this node's devices against the hub.
type Credential struct {
	User     string
	Password string
}

// Refresher renews an expired credential.
type Refresher func(ctx context.Context, cur Credential) (Credential, error)

// Provider is the read side of a session used by the connection state
// machine.
type Provider interface {
	// Credential returns the current credential, if any.
	Credential() fn.Option[Credential]

	// Refresh renews the credential after the hub rejected it.
	Refresh(ctx context.Context) error
}

// Session is the process wide credential holder.
type Session struct {
	mu   sync.Mutex
	cred fn.Option[Credential]

	bus     *events.Bus
	refresh fn.Option[Refresher]
}

// A compile time check to ensure Session implements the Provider interface.
var _ Provider = (*Session)(nil)

// NewSession creates a logged out session publishing on bus. The refresher
// is optional.
func NewSession(bus *events.Bus, refresh fn.Option[Refresher]) *Session {
	return &Session{
		cred:    fn.None[Credential](),
		bus:     bus,
		refresh: refresh,
	}
}

// Credential returns the current credential, if any.
func (s *Session) Credential() fn.Option[Credential] {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cred
}

// Login stores the credential and publishes LoggedIn.
func (s *Session) Login(cred Credential) error {
	s.mu.Lock()
	s.cred = fn.Some(cred)
	s.mu.Unlock()

	log.Infof("Logged in as %v", cred.User)

	return s.bus.Publish(events.LoggedIn{User: cred.User})
}

// Logout drops the credential and publishes LoggedOut.
func (s *Session) Logout() error {
	s.mu.Lock()
	s.cred = fn.None[Credential]()
	s.mu.Unlock()

	log.Infof("Logged out")

	return s.bus.Publish(events.LoggedOut{})
}

// Refresh renews the credential through the refresher and publishes
// TokenRefreshed on success.
func (s *Session) Refresh(ctx context.Context) error {
	cur, err := s.Credential().UnwrapOrErr(ErrNoCredential)
	if err != nil {
		return err
	}

	refresh, err := s.refresh.UnwrapOrErr(
		fmt.Errorf("credential of %v cannot be refreshed", cur.User),
	)
	if err != nil {
		return err
	}

	fresh, err := refresh(ctx, cur)
	if err != nil {
		return fmt.Errorf("unable to refresh credential: %w", err)
	}

	s.mu.Lock()
	s.cred = fn.Some(fresh)
	s.mu.Unlock()

	log.Infof("Refreshed credential of %v", fresh.User)

	return s.bus.Publish(events.TokenRefreshed{})
}

// ParseCredential parses a "user:password" string.
func ParseCredential(s string) (Credential, error) {
	user, pass, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || user == "" {
		return Credential{}, fmt.Errorf("credential must have the " +
			"form user:password")
	}

	return Credential{User: user, Password: pass}, nil
}

// FileRefresher returns a Refresher that re-reads the credential from a
// "user:password" file, allowing an operator to rotate it.
func FileRefresher(path string) Refresher {
	return func(_ context.Context, _ Credential) (Credential, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Credential{}, err
		}

		return ParseCredential(string(raw))
	}
}
