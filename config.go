package vpntunnel

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Dialect tags which of the protocol dialects this session speaks. Spec.md
// §3 deliberately keeps these anonymous; nothing here hard-codes a real
// vendor's wire details beyond what spec.md §6/§8 pin down.
type Dialect uint8

const (
	DialectA Dialect = iota
	DialectB
	DialectC
	DialectD
)

func (d Dialect) String() string {
	switch d {
	case DialectA:
		return "DialectA"
	case DialectB:
		return "DialectB"
	case DialectC:
		return "DialectC"
	case DialectD:
		return "DialectD"
	default:
		return "Unknown"
	}
}

// ParseDialect accepts the names above, case-insensitively, for config
// loading.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "dialecta", "a":
		return DialectA, nil
	case "dialectb", "b":
		return DialectB, nil
	case "dialectc", "c":
		return DialectC, nil
	case "dialectd", "d":
		return DialectD, nil
	default:
		return 0, fmt.Errorf("vpntunnel: unknown dialect %q", s)
	}
}

// Endpoint is the gateway's server address from spec.md §6.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// IPv4SplitRoute is one IPv4 split-include route, expressed as
// prefix+netmask per spec.md §3's "prefix/mask" form.
type IPv4SplitRoute struct {
	Network net.IP
	Netmask net.IPMask
}

// IPv6SplitRoute is one IPv6 split-include route, expressed as
// prefix+prefix-length per spec.md §3's "prefix/prefixlen" form.
type IPv6SplitRoute struct {
	Network   net.IP
	PrefixLen int
}

// CryptoParams carries the datagram-layer parameters TunnelConfig
// includes only for dialects that use the IPsec-like encapsulation from
// spec.md §4.1. EncAlg/MACAlg name one of replay's algorithm tags;
// MaterialOut/MaterialIn are the 32-or-48-byte keying blobs split by
// replay.Suite.SplitKeyMaterial into an encryption key and an HMAC key
// per direction. IVOut is the initial outbound IV — the inbound side
// needs no initial IV of its own since the peer's IV travels on the wire
// with every packet it sends (see replay.InboundCtx.Decrypt).
type CryptoParams struct {
	EncAlg string
	MACAlg string

	SPIOut uint32
	SPIIn  uint32

	MaterialOut []byte
	MaterialIn  []byte

	IVOut []byte
}

// TunnelConfig is everything the authentication collaborator hands over
// once a session is authorized, per spec.md §3.
type TunnelConfig struct {
	IPv4Address net.IP
	IPv4Netmask net.IPMask

	IPv6Address   net.IP
	IPv6PrefixLen int

	DNSServers    []net.IP
	SearchDomains []string

	SplitIncludeIPv4 []IPv4SplitRoute
	SplitIncludeIPv6 []IPv6SplitRoute

	IdleTimeoutSeconds int
	AuthExpiration     time.Time
	MTU                int
	KeepaliveInterval  time.Duration

	// Crypto is nil for dialects whose datagram fast path relies solely on
	// the datagram transport's own DTLS protection.
	Crypto *CryptoParams
}

// UsesDefaultRoute reports whether an empty split-include list means "route
// everything through the tunnel," per spec.md §3/§8 scenario S6.
func (c TunnelConfig) UsesDefaultRoute() bool {
	return len(c.SplitIncludeIPv4) == 0 && len(c.SplitIncludeIPv6) == 0
}
