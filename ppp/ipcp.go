package ppp

import "net"

// IPCP option types (RFC 1332 §3.7, RFC 1877 for the DNS extensions).
const (
	optIPAddress  byte = 3
	optPrimaryDNS byte = 129
	optSecondDNS  byte = 131
)

// IPCPConfig is what this side proposes for IPv4. A zero LocalAddr means
// "assign me one" — the conventional way a client asks a gateway for an
// address: propose 0.0.0.0, let the peer Nak with the real value.
type IPCPConfig struct {
	LocalAddr net.IP
	WantDNS   bool
}

// IPCPResult is populated as negotiation with the peer progresses; the
// Machine reads it once IPCP reaches Opened to configure the local
// interface and DNS.
type IPCPResult struct {
	LocalAddr  net.IP
	PrimaryDNS net.IP
	SecondDNS  net.IP
}

type ipcpNegotiator struct {
	local  net.IP
	wantDNS bool

	Result IPCPResult
}

func newIPCPNegotiator(cfg IPCPConfig) *ipcpNegotiator {
	local := cfg.LocalAddr
	if local == nil {
		local = net.IPv4zero
	}
	return &ipcpNegotiator{local: local.To4(), wantDNS: cfg.WantDNS}
}

func (n *ipcpNegotiator) Protocol() uint16 { return ProtoIPCP }

func (n *ipcpNegotiator) BuildRequest() []Option {
	opts := []Option{{Type: optIPAddress, Data: append([]byte(nil), n.local...)}}
	if n.wantDNS {
		opts = append(opts,
			Option{Type: optPrimaryDNS, Data: []byte{0, 0, 0, 0}},
			Option{Type: optSecondDNS, Data: []byte{0, 0, 0, 0}},
		)
	}
	return opts
}

// Review accepts any syntactically valid IP-Address and DNS option. This
// client never runs an address pool of its own — per spec.md, the
// tunnel's IPv4 address arrives out of band as part of the session's
// TunnelConfig, so IPCP here only ever confirms an address the peer
// already agreed to out of band rather than arbitrating one.
func (n *ipcpNegotiator) Review(opts []Option) (ack, nak, reject []Option, ok bool) {
	for _, o := range opts {
		switch o.Type {
		case optIPAddress, optPrimaryDNS, optSecondDNS:
			if len(o.Data) == 4 {
				ack = append(ack, o)
			} else {
				reject = append(reject, o)
			}
		default:
			reject = append(reject, o)
		}
	}
	return ack, nak, reject, len(nak) == 0 && len(reject) == 0
}

func (n *ipcpNegotiator) ApplyAck(opts []Option) {
	if addr, found := findOption(opts, optIPAddress); found && len(addr.Data) == 4 {
		n.local = append([]byte(nil), addr.Data...)
		n.Result.LocalAddr = net.IP(n.local)
	}
	if dns, found := findOption(opts, optPrimaryDNS); found && len(dns.Data) == 4 {
		n.Result.PrimaryDNS = net.IP(append([]byte(nil), dns.Data...))
	}
	if dns, found := findOption(opts, optSecondDNS); found && len(dns.Data) == 4 {
		n.Result.SecondDNS = net.IP(append([]byte(nil), dns.Data...))
	}
}

func (n *ipcpNegotiator) ApplyNak(opts []Option) {
	if addr, found := findOption(opts, optIPAddress); found && len(addr.Data) == 4 {
		n.local = append([]byte(nil), addr.Data...)
	}
	if dns, found := findOption(opts, optPrimaryDNS); found && len(dns.Data) == 4 {
		n.Result.PrimaryDNS = net.IP(append([]byte(nil), dns.Data...))
	}
	if dns, found := findOption(opts, optSecondDNS); found && len(dns.Data) == 4 {
		n.Result.SecondDNS = net.IP(append([]byte(nil), dns.Data...))
	}
}

func (n *ipcpNegotiator) ApplyReject(opts []Option) {
	for _, o := range opts {
		switch o.Type {
		case optPrimaryDNS, optSecondDNS:
			n.wantDNS = false
		}
	}
}
