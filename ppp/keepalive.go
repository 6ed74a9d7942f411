package ppp

import (
	"encoding/binary"
	"time"
)

// keepalive implements LCP Echo-Request/Echo-Reply dead-peer-detection:
// once the link is Opened, send an Echo-Request every interval and count
// consecutive intervals with no reply; reaching failMax is a fatal link
// failure the Machine reports upward the same way a lower-layer drop
// would be.
type keepalive struct {
	interval time.Duration
	failMax  int
	magic    uint32

	running  bool
	deadline time.Time
	missed   int
	lastID   uint8
}

func newKeepalive(interval time.Duration, failMax int, magic uint32) *keepalive {
	return &keepalive{interval: interval, failMax: failMax, magic: magic}
}

func (k *keepalive) start(now time.Time) {
	k.running = true
	k.missed = 0
	k.deadline = now.Add(k.interval)
}

func (k *keepalive) stop() {
	k.running = false
	k.missed = 0
}

// reply marks an Echo-Reply as received, clearing the miss counter.
func (k *keepalive) reply(id uint8) {
	if k.running && id == k.lastID {
		k.missed = 0
	}
}

// due is called by the Machine's Tick when now has reached the deadline.
// It returns the Echo-Request to send, or failed=true once failMax
// consecutive intervals have elapsed with no reply.
func (k *keepalive) due(now time.Time, nextID func() uint8) (packet []byte, failed bool) {
	if !k.running || now.Before(k.deadline) {
		return nil, false
	}
	k.deadline = now.Add(k.interval)
	if k.missed >= k.failMax {
		return nil, true
	}
	k.missed++
	k.lastID = nextID()
	h := controlHeader{Code: CodeEchoRequest, Identifier: k.lastID}
	return h.pack(u32(k.magic)), false
}
