package rules

import (
	"context"
	"sync"
	"time"
)

// The evaluator consults external intelligence through these narrow
// capability interfaces so real services can replace the built-in stand-ins
// without touching evaluation logic.

// GeoIPResolver maps an IP address to an ISO country code.
type GeoIPResolver interface {
	CountryForIP(ctx context.Context, ip string) (string, error)
}

// VPNDetector reports whether an IP address belongs to a known VPN or proxy.
type VPNDetector interface {
	IsVPN(ctx context.Context, ip string) (bool, error)
}

// DeviceHistory reports whether a device fingerprint has been seen before
// for a given card.
type DeviceHistory interface {
	KnownDevice(ctx context.Context, cardHash, fingerprint string) (bool, error)
}

// VelocityCounter counts a card's recent transactions within a window.
// The transaction store satisfies this.
type VelocityCounter interface {
	CountRecentByCard(ctx context.Context, cardHash string, window time.Duration) (int, error)
}

// StaticGeoIP is a table-driven GeoIP stand-in: exact IPs map to countries,
// everything else resolves to the default.
type StaticGeoIP struct {
	Default string
	ByIP    map[string]string
}

func (g *StaticGeoIP) CountryForIP(_ context.Context, ip string) (string, error) {
	if c, ok := g.ByIP[ip]; ok {
		return c, nil
	}
	return g.Default, nil
}

// ListVPNDetector flags only the listed IP addresses as VPNs.
type ListVPNDetector struct {
	VPNs map[string]bool
}

func (d *ListVPNDetector) IsVPN(_ context.Context, ip string) (bool, error) {
	return d.VPNs[ip], nil
}

// MemoryDeviceHistory remembers card/device pairs in memory. Pairs are
// learned by calling Remember, typically after a transaction is approved.
type MemoryDeviceHistory struct {
	mu   sync.RWMutex
	seen map[string]map[string]bool
}

// NewMemoryDeviceHistory creates an empty in-memory device history.
func NewMemoryDeviceHistory() *MemoryDeviceHistory {
	return &MemoryDeviceHistory{seen: make(map[string]map[string]bool)}
}

// Remember associates a fingerprint with a card.
func (h *MemoryDeviceHistory) Remember(cardHash, fingerprint string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.seen[cardHash] == nil {
		h.seen[cardHash] = make(map[string]bool)
	}
	h.seen[cardHash][fingerprint] = true
}

func (h *MemoryDeviceHistory) KnownDevice(_ context.Context, cardHash, fingerprint string) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.seen[cardHash][fingerprint], nil
}
