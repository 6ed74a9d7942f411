package ppp

import "errors"

var (
	// ErrDPDTimeout is reported through Machine.OnFatal when DPDFailCount
	// consecutive Echo-Requests go unanswered.
	ErrDPDTimeout = errors.New("ppp: dead-peer-detection timeout, no echo reply")
	// ErrLCPStopped is reported when LCP exhausts its Configure-Request
	// retries without the peer ever converging.
	ErrLCPStopped = errors.New("ppp: LCP negotiation did not converge")
)
