// Package renewal renews PIA WireGuard registrations for a set of slots.
package renewal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/L11R/gopiad/keygen"
	"github.com/L11R/gopiad/logging"
	"github.com/L11R/gopiad/pia"
	"github.com/L11R/gopiad/wgconf"
)

// Slot is one renewal target. A zero LastUpdate means it was never attempted.
type Slot struct {
	Index      int
	Region     string
	LastUpdate time.Time
}

// Due reports whether interval has elapsed since the last attempt.
func (s Slot) Due(now time.Time, interval time.Duration) bool {
	return s.LastUpdate.IsZero() || now.Sub(s.LastUpdate) >= interval
}

type KeypairGenerator interface {
	Generate() (keygen.KeyPair, error)
}

type API interface {
	GenerateToken(ctx context.Context, meta pia.Endpoint, username, password string) (string, error)
	AddKey(ctx context.Context, gateway pia.Endpoint, token, publicKey string) (*pia.AddedKey, error)
}

type Renewer struct {
	API      API
	Keys     KeypairGenerator
	Username string
	Password string
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func (r *Renewer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Renew runs one renewal for slot against catalog. The returned slot always
// carries the time of this attempt; the connection is nil unless every step
// succeeded.
func (r *Renewer) Renew(ctx context.Context, slot Slot, catalog *pia.Catalog) (Slot, *wgconf.Connection, error) {
	logger := logging.Ensure(r.Logger).With("slot", slot.Index, "region", slot.Region)

	region, err := catalog.Resolve(slot.Region)
	if err != nil {
		slot.LastUpdate = r.now()
		return slot, nil, err
	}

	logger.Info("updating token")

	keys, err := r.Keys.Generate()
	if err != nil {
		slot.LastUpdate = r.now()
		return slot, nil, fmt.Errorf("generate keypair: %w", err)
	}

	meta := region.Meta()
	token, err := r.API.GenerateToken(ctx, meta, r.Username, r.Password)
	slot.LastUpdate = r.now()
	if err != nil {
		return slot, nil, fmt.Errorf("login via %s: %w", meta, err)
	}
	logger.Info("login successful", "meta", meta.CommonName)

	gateway := region.Gateway()
	added, err := r.API.AddKey(ctx, gateway, token, keys.PublicKey)
	if err != nil {
		return slot, nil, fmt.Errorf("add key via %s: %w", gateway, err)
	}
	if len(added.DNSServers) != 2 {
		return slot, nil, fmt.Errorf("%w: want 2 dns servers, got %d", pia.ErrKeyRegistrationFailed, len(added.DNSServers))
	}
	logger.Info("added key to server", "gateway", gateway.CommonName, "peer_ip", added.PeerIP)

	return slot, &wgconf.Connection{
		LocalAddress:      added.PeerIP,
		DNSServers:        []string{added.DNSServers[0], added.DNSServers[1]},
		GatewayPublicKey:  added.ServerKey,
		GatewayIP:         gateway.IP,
		GatewayCommonName: gateway.CommonName,
		PrivateKey:        keys.PrivateKey,
		AuthToken:         token,
	}, nil
}
