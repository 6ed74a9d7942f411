package vpntunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/dtls/v2"
	log "github.com/sirupsen/logrus"

	"vpntunnel/framing"
	"vpntunnel/ppp"
	"vpntunnel/replay"
	"vpntunnel/tunnel"
)

// ConnectRequest bundles the inputs the authentication collaborator hands
// the core for one connect attempt, per spec.md §6.
type ConnectRequest struct {
	Endpoint Endpoint
	Dialect  Dialect
	Cookie   []byte
	Config   TunnelConfig

	// TLSConfig is used for the stream transport's handshake. A nil
	// ServerName defaults to Endpoint.Host.
	TLSConfig *tls.Config

	// Datagram is false when this dialect/session has no datagram fast
	// path; when true the manager probes opportunistically after the
	// stream comes up, per spec.md §4.5.
	Datagram       bool
	DatagramConfig *dtls.Config

	TunnelRequest []byte
	Tun           net.Conn // satisfies io.ReadWriteCloser; the local virtual interface handle

	HelperPath string
	Driver     tunnel.DriverConfig

	HelloTimeout time.Duration
	Log          *log.Entry
}

// SessionState is the coarse state Session.State reports, derived from the
// underlying tunnel.Lifecycle plus the two extra terminal states a session
// can land in once the manager's goroutine exits.
type SessionState uint8

const (
	SessionConnecting SessionState = iota
	SessionRunning
	SessionClosed
	SessionFailed
)

// Session is a long-lived handle on one tunnel, per spec.md §3.
type Session struct {
	ID       uuid.UUID
	Endpoint Endpoint
	Dialect  Dialect
	Cookie   []byte
	Config   TunnelConfig

	manager *tunnel.Manager
	cancel  context.CancelFunc
	doneCh  chan struct{}

	mu       sync.Mutex
	state    SessionState
	finalErr error
}

// State reports the session's current coarse lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionConnecting {
		switch s.manager.State() {
		case tunnel.LifecycleRunning, tunnel.LifecycleDatagramEstablished:
			return SessionRunning
		}
	}
	return s.state
}

// Ready closes once the PPP network layer has opened and the helper's
// connect invocation has succeeded.
func (s *Session) Ready() <-chan struct{} { return s.manager.Ready() }

// Stats reports a point-in-time snapshot of the underlying manager's
// state, for the diag package's status/metrics surface.
func (s *Session) Stats() tunnel.Stats { return s.manager.Stats() }

// Done closes once the session's event loop has exited, for any reason.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Err reports the terminal error once Done has fired; nil after a
// caller-initiated Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

// Close cancels the context tunnel.Manager.Run is waiting on and returns
// once Run has exited. Run's teardown runs the helper's disconnect, queues
// an LCP Terminate-Request on the stream, then closes the datagram
// transport (if any) and the stream right away; it does not wait for the
// Terminate-Request to be written or for a Terminate-Ack.
func (s *Session) Close() {
	s.cancel()
	<-s.doneCh
}

// Dialer tracks which cookies have already been spent: once a cookie has
// been passed to Connect, every later Connect on the same Dialer with that
// cookie fails with ErrCookieExpired, whether or not the first session is
// still running.
type Dialer struct {
	mu    sync.Mutex
	spent map[string]struct{}
}

func NewDialer() *Dialer {
	return &Dialer{spent: make(map[string]struct{})}
}

// Connect sets up the stream (and, for dialects that use it, the
// datagram) dial functions, the PPP machine and crypto contexts from
// req.Config, and starts the tunnel.Manager's event loop, which does the
// dialing, in a background goroutine. It returns once the Manager has been
// constructed, not once the tunnel is up — wait on Session.Ready for that.
func (d *Dialer) Connect(ctx context.Context, req ConnectRequest) (*Session, error) {
	key := string(req.Cookie)
	d.mu.Lock()
	if _, used := d.spent[key]; used {
		d.mu.Unlock()
		return nil, ErrCookieExpired
	}
	d.spent[key] = struct{}{}
	d.mu.Unlock()

	if req.Log == nil {
		req.Log = log.NewEntry(log.StandardLogger())
	}

	streamFramer := framing.NewLengthPrefixedFramer(dialectMagic(req.Dialect), int(packetCapHint(req.Config)))

	cfg := tunnel.Config{
		StreamDial:    func(ctx context.Context) (net.Conn, error) { return dialStreamTLS(ctx, req) },
		StreamFramer:  streamFramer,
		TunnelRequest: req.TunnelRequest,
		Cookie:        req.Cookie,
		HelloTimeout:  req.HelloTimeout,
		PPP:           pppConfigFor(req.Config),
		Driver:        driverConfigFor(req),
		Tun:           req.Tun,
		Log:           req.Log,
	}

	if req.Datagram {
		cfg.DatagramDial = func(ctx context.Context) (net.Conn, error) { return dialDatagramDTLS(ctx, req) }
		if req.Config.Crypto != nil {
			cfg.DatagramFramer = framing.RawFramer{}
			crypto, err := cryptoConfigFor(req.Config.Crypto)
			if err != nil {
				return nil, fmt.Errorf("vpntunnel: %w", err)
			}
			cfg.Crypto = crypto
		} else {
			cfg.DatagramFramer = streamFramer
		}
	}

	manager, err := tunnel.NewManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("vpntunnel: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:       uuid.New(),
		Endpoint: req.Endpoint,
		Dialect:  req.Dialect,
		Cookie:   req.Cookie,
		Config:   req.Config,
		manager:  manager,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
		state:    SessionConnecting,
	}

	go func() {
		defer close(s.doneCh)
		err := manager.Run(runCtx)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err == nil || err == tunnel.ErrCancelled {
			s.state = SessionClosed
		} else {
			s.state = SessionFailed
			s.finalErr = err
		}
	}()

	return s, nil
}

func dialStreamTLS(ctx context.Context, req ConnectRequest) (net.Conn, error) {
	tlsCfg := req.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	if tlsCfg.ServerName == "" {
		tlsCfg = tlsCfg.Clone()
		tlsCfg.ServerName = req.Endpoint.Host
	}
	dialer := &tls.Dialer{Config: tlsCfg}
	return dialer.DialContext(ctx, "tcp", req.Endpoint.String())
}

func dialDatagramDTLS(ctx context.Context, req ConnectRequest) (net.Conn, error) {
	addr, err := net.ResolveUDPAddr("udp", req.Endpoint.String())
	if err != nil {
		return nil, err
	}
	cfg := req.DatagramConfig
	if cfg == nil {
		cfg = &dtls.Config{}
	}
	return dtls.DialWithContext(ctx, "udp", addr, cfg)
}

func pppConfigFor(tc TunnelConfig) ppp.MachineConfig {
	cfg := ppp.DefaultMachineConfig()
	if tc.IPv4Address != nil {
		cfg.IPCP.LocalAddr = tc.IPv4Address
	}
	if len(tc.DNSServers) > 0 {
		cfg.IPCP.WantDNS = true
	}
	if tc.IPv6Address != nil {
		cfg.EnableIPv6 = true
	}
	if tc.KeepaliveInterval > 0 {
		cfg.DPDInterval = tc.KeepaliveInterval
	}
	return cfg
}

func driverConfigFor(req ConnectRequest) tunnel.DriverConfig {
	dc := req.Driver
	dc.HelperPath = req.HelperPath
	dc.VPNGateway = req.Endpoint.Host
	if dc.TunDevice == "" {
		dc.TunDevice = "tun0"
	}
	if req.Config.IPv4Netmask != nil {
		dc.InternalIP4Netmask = net.IP(req.Config.IPv4Netmask).String()
	}
	for _, ip := range req.Config.DNSServers {
		dc.InternalIP4DNS = append(dc.InternalIP4DNS, ip.String())
	}
	if req.Config.IPv6Address != nil {
		dc.InternalIP6Address = req.Config.IPv6Address.String()
		dc.InternalIP6Netmask = fmt.Sprintf("%d", req.Config.IPv6PrefixLen)
	}
	if len(req.Config.SearchDomains) > 0 {
		dc.CiscoDefDomain = joinDomains(req.Config.SearchDomains)
	}
	for _, r := range req.Config.SplitIncludeIPv4 {
		dc.SplitIncludeIPv4 = append(dc.SplitIncludeIPv4, tunnel.SplitRoute{
			Addr: r.Network.String(),
			Mask: net.IP(r.Netmask).String(),
		})
	}
	for _, r := range req.Config.SplitIncludeIPv6 {
		dc.SplitIncludeIPv6 = append(dc.SplitIncludeIPv6, tunnel.IPv6SplitRoute{
			Addr:      r.Network.String(),
			PrefixLen: r.PrefixLen,
		})
	}
	dc.IdleTimeoutSeconds = req.Config.IdleTimeoutSeconds
	return dc
}

func cryptoConfigFor(c *CryptoParams) (*tunnel.CryptoConfig, error) {
	suite, err := parseSuite(c.EncAlg, c.MACAlg)
	if err != nil {
		return nil, err
	}
	encOut, macOut, err := suite.SplitKeyMaterial(c.MaterialOut)
	if err != nil {
		return nil, fmt.Errorf("outbound keying material: %w", err)
	}
	encIn, macIn, err := suite.SplitKeyMaterial(c.MaterialIn)
	if err != nil {
		return nil, fmt.Errorf("inbound keying material: %w", err)
	}
	return &tunnel.CryptoConfig{
		Suite:     suite,
		SPIOut:    c.SPIOut,
		SPIIn:     c.SPIIn,
		EncKeyOut: encOut,
		MACKeyOut: macOut,
		EncKeyIn:  encIn,
		MACKeyIn:  macIn,
		IVOut:     c.IVOut,
	}, nil
}

func parseSuite(encAlg, macAlg string) (replay.Suite, error) {
	var s replay.Suite
	switch encAlg {
	case "AES-128-CBC", "CBC-AES-128":
		s.Enc = replay.AES128CBC
	case "AES-256-CBC", "CBC-AES-256":
		s.Enc = replay.AES256CBC
	default:
		return s, fmt.Errorf("unknown encryption algorithm %q", encAlg)
	}
	switch macAlg {
	case "HMAC-MD5":
		s.MAC = replay.HMACMD5
	case "HMAC-SHA1":
		s.MAC = replay.HMACSHA1
	default:
		return s, fmt.Errorf("unknown MAC algorithm %q", macAlg)
	}
	return s, nil
}

func dialectMagic(d Dialect) []byte {
	switch d {
	case DialectA:
		return []byte{0x50, 0x50}
	case DialectB:
		return []byte{0x51, 0x51}
	case DialectC:
		return []byte{0x52, 0x52}
	default:
		return []byte{0x53, 0x53}
	}
}

func packetCapHint(tc TunnelConfig) int {
	if tc.MTU > 0 {
		return tc.MTU + 64
	}
	return 2048
}

func joinDomains(domains []string) string {
	out := domains[0]
	for _, d := range domains[1:] {
		out += " " + d
	}
	return out
}
