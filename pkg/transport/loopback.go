package transport

import (
	"context"
	"net"
	"sync"
)

// Loopback is an in-memory Transport. Frames sent through it are
// recorded and optionally answered by a responder function, and frames
// can be injected as if they had arrived off the wire. It exists so the
// presence engine can be exercised without a live interface.
type Loopback struct {
	localMAC net.HardwareAddr
	localIP  net.IP

	mu        sync.Mutex
	sent      [][]byte
	handler   Handler
	responder func(frame []byte) [][]byte
	sendErr   error
}

// NewLoopback creates a loopback transport with the given local
// addresses.
func NewLoopback(mac net.HardwareAddr, ip net.IP) *Loopback {
	return &Loopback{localMAC: mac, localIP: ip.To4()}
}

// SetResponder installs a function invoked for every sent frame; any
// frames it returns are delivered back through the listen handler,
// simulating devices answering probes.
func (l *Loopback) SetResponder(fn func(frame []byte) [][]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responder = fn
}

// FailSends makes every subsequent Send return err. Pass nil to
// restore normal operation.
func (l *Loopback) FailSends(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

// Send records the frame and feeds any responder output back to the
// listen handler.
func (l *Loopback) Send(frame []byte) error {
	l.mu.Lock()
	if l.sendErr != nil {
		err := l.sendErr
		l.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), frame...)
	l.sent = append(l.sent, cp)
	responder := l.responder
	l.mu.Unlock()

	if responder != nil {
		for _, reply := range responder(cp) {
			l.Inject(reply)
		}
	}
	return nil
}

// Inject delivers a frame to the listen handler as if it had been
// captured from the wire. Frames injected before Listen is called are
// dropped.
func (l *Loopback) Inject(frame []byte) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(frame)
	}
}

// Sent returns copies of all frames sent so far.
func (l *Loopback) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sent))
	copy(out, l.sent)
	return out
}

// Reset discards recorded frames.
func (l *Loopback) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = nil
}

// Listen installs the handler and blocks until the context is
// cancelled.
func (l *Loopback) Listen(ctx context.Context, h Handler) error {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// LocalMAC returns the configured local hardware address.
func (l *Loopback) LocalMAC() net.HardwareAddr { return l.localMAC }

// LocalIP returns the configured local IPv4 address.
func (l *Loopback) LocalIP() net.IP { return l.localIP }

// Close is a no-op for the loopback transport.
func (l *Loopback) Close() error { return nil }
