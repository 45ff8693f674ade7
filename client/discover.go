package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MetinSerinkaya27/NextGen-Chat/discovery"
	"github.com/MetinSerinkaya27/NextGen-Chat/network"
)

// RelayLocator finds an advertised relay by id. *discovery.RelayScanner implements it.
type RelayLocator interface {
	WaitFor(ctx context.Context, relayID string) (discovery.DiscoveredRelay, error)
}

// ConnectDiscovered waits until relayID is advertised, pins the advertised key fingerprint
// and connects to it. A fingerprint already set in options takes precedence.
func ConnectDiscovered(ctx context.Context, locator RelayLocator, relayID string, identity network.ClientIdentity, log *slog.Logger, options Options) (*Messenger, error) {
	relay, err := locator.WaitFor(ctx, relayID)
	if err != nil {
		return nil, fmt.Errorf("locate relay %q: %w", relayID, err)
	}
	if options.Handshake.RelayFingerprint == "" {
		options.Handshake.RelayFingerprint = relay.KeyFingerprint
	}

	log.Debug("Relay located", "relay_id", relay.RelayID, "address", relay.Address())
	return Connect(ctx, relay.Address(), identity, log, options)
}
