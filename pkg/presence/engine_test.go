package presence

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/lan-presence/pkg/arp"
	"github.com/ExclusiveAccount/lan-presence/pkg/models"
	"github.com/ExclusiveAccount/lan-presence/pkg/transport"
)

var (
	localMAC  = net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x02}
	localIP   = net.IPv4(192, 168, 1, 5)
	deviceMAC = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	deviceIP  = net.IPv4(192, 168, 1, 10)

	base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
)

func newTestEngine(t *testing.T) (*Engine, *transport.Loopback) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	lo := transport.NewLoopback(localMAC, localIP)
	eng, err := NewEngine(lo, Options{
		ConfirmInterval: time.Minute,
		SweepInterval:   5 * time.Second,
		ReplyTimeout:    2 * time.Second,
		SweepBatch:      32,
		RangeLower:      net.IPv4(192, 168, 1, 1),
		RangeUpper:      net.IPv4(192, 168, 1, 254),
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, lo
}

// replyFrom builds a decoded reply as it would arrive from a device.
func replyFrom(t *testing.T, mac net.HardwareAddr, ip net.IP) arp.Reply {
	t.Helper()
	frame, err := arp.EncodeReply(mac, ip, localMAC, localIP)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	reply, err := arp.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return reply
}

// bringOnline registers a device and walks it through a sweep match.
func bringOnline(t *testing.T, eng *Engine, lo *transport.Loopback) string {
	t.Helper()
	handle, err := eng.Register("lamp", deviceIP, deviceMAC)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	eng.tick(base)
	eng.handleReplyAt(replyFrom(t, deviceMAC, deviceIP), base.Add(50*time.Millisecond))
	if st, _ := eng.State(handle); st != models.Online {
		t.Fatalf("setup: device not online, state %s", st)
	}
	lo.Reset()
	return handle
}

func isBroadcastFrame(frame []byte) bool {
	return len(frame) >= 6 && bytes.Equal(frame[0:6], arp.BroadcastMAC)
}

func TestRegisterStartsOffline(t *testing.T) {
	eng, _ := newTestEngine(t)

	handle, err := eng.Register("lamp", deviceIP, deviceMAC)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	st, ok := eng.State(handle)
	if !ok || st != models.Offline {
		t.Errorf("state: got %s ok=%v, want offline", st, ok)
	}

	snap, ok := eng.Device(handle)
	if !ok {
		t.Fatal("Device: handle not found")
	}
	if snap.IP != "192.168.1.10" || snap.MAC != "aa:bb:cc:dd:ee:01" {
		t.Errorf("snapshot addresses: got %s/%s", snap.IP, snap.MAC)
	}
}

func TestRegisterRejectsDuplicateIP(t *testing.T) {
	eng, _ := newTestEngine(t)

	if _, err := eng.Register("lamp", deviceIP, deviceMAC); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := eng.Register("clone", deviceIP, localMAC); err == nil {
		t.Error("expected duplicate IP registration to fail")
	}
}

// An offline device is swept with broadcast-framed probes, and a reply
// arriving mid-sweep brings it online and stops its sweep.
func TestSweepMatchBringsDeviceOnline(t *testing.T) {
	eng, lo := newTestEngine(t)

	handle, err := eng.Register("lamp", deviceIP, deviceMAC)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	eng.tick(base)

	sent := lo.Sent()
	if len(sent) == 0 {
		t.Fatal("no sweep probes sent for offline device")
	}
	covered := false
	for _, frame := range sent {
		if !isBroadcastFrame(frame) {
			t.Fatal("sweep probe was not broadcast-framed")
		}
		req, err := arp.Decode(frame)
		if err != nil {
			t.Fatalf("decoding own probe: %v", err)
		}
		if req.TargetIP.Equal(deviceIP) {
			covered = true
		}
	}
	if !covered {
		t.Fatal("sweep batch did not cover the device IP")
	}

	// Reply arrives mid-sweep.
	eng.handleReplyAt(replyFrom(t, deviceMAC, deviceIP), base.Add(100*time.Millisecond))

	if st, _ := eng.State(handle); st != models.Online {
		t.Fatalf("state after sweep match: got %s want online", st)
	}

	// Event published for the flip.
	select {
	case ev := <-eng.Events():
		if ev.Handle != handle || ev.Previous != models.Offline || ev.State != models.Online {
			t.Errorf("event: got %+v", ev)
		}
	default:
		t.Error("no presence-change event published")
	}

	// With nothing offline, the next sweep window sends no probes.
	lo.Reset()
	eng.tick(base.Add(6 * time.Second))
	for _, frame := range lo.Sent() {
		if isBroadcastFrame(frame) {
			t.Error("sweep probe sent while no device offline")
		}
	}
}

func TestConfirmationCadenceAndSingleInFlightProbe(t *testing.T) {
	eng, lo := newTestEngine(t)
	handle := bringOnline(t, eng, lo)

	// Not yet due: nothing sent.
	eng.tick(base.Add(30 * time.Second))
	if n := len(lo.Sent()); n != 0 {
		t.Fatalf("probe sent before confirmation interval elapsed: %d frames", n)
	}

	// Due: exactly one unicast probe to the known MAC.
	due := base.Add(61 * time.Second)
	eng.tick(due)
	sent := lo.Sent()
	if len(sent) != 1 {
		t.Fatalf("got %d probes, want 1", len(sent))
	}
	if !bytes.Equal(sent[0][0:6], deviceMAC) {
		t.Errorf("confirmation probe not unicast to device MAC: dst %x", sent[0][0:6])
	}

	snap, _ := eng.Device(handle)
	if snap.State != models.AwaitingReply {
		t.Errorf("machine state: got %s want awaiting-reply", snap.State)
	}
	// Published reachability holds at online until the probe resolves.
	if st, _ := eng.State(handle); st != models.Online {
		t.Errorf("published state: got %s want online", st)
	}

	// While the probe is open, no second probe may be issued.
	eng.tick(due.Add(500 * time.Millisecond))
	if n := len(lo.Sent()); n != 1 {
		t.Fatalf("second probe issued while one was in flight: %d frames", n)
	}

	// In-window reply resolves to online and restarts the cadence.
	eng.handleReplyAt(replyFrom(t, deviceMAC, deviceIP), due.Add(time.Second))
	snap, _ = eng.Device(handle)
	if snap.State != models.Online {
		t.Errorf("state after reply: got %s want online", snap.State)
	}
	if !snap.LastConfirmed.Equal(due.Add(time.Second)) {
		t.Errorf("last confirmed: got %v", snap.LastConfirmed)
	}
}

// Spec scenario: online device, confirmation probe unanswered; it goes
// offline and the next tick sweeps instead of confirming.
func TestTimeoutDegradesToSweep(t *testing.T) {
	eng, lo := newTestEngine(t)
	handle := bringOnline(t, eng, lo)

	due := base.Add(61 * time.Second)
	eng.tick(due)
	lo.Reset()

	// No reply within the timeout window.
	expiry := due.Add(3 * time.Second)
	eng.tick(expiry)

	if st, _ := eng.State(handle); st != models.Offline {
		t.Fatalf("state after timeout: got %s want offline", st)
	}

	sent := lo.Sent()
	if len(sent) == 0 {
		t.Fatal("no sweep probes after timeout")
	}
	for _, frame := range sent {
		if !isBroadcastFrame(frame) {
			t.Error("expected broadcast sweep probe after timeout, got unicast")
		}
	}

	// Offline event published last.
	var last models.Event
	seen := 0
	for drained := false; !drained; {
		select {
		case ev := <-eng.Events():
			last = ev
			seen++
		default:
			drained = true
		}
	}
	if seen == 0 || last.State != models.Offline {
		t.Errorf("expected final event offline, got %d events, last %+v", seen, last)
	}
}

// A reply arriving after the reply window is stale: it must not
// resurrect the expired probe generation.
func TestStaleReplyIgnored(t *testing.T) {
	eng, lo := newTestEngine(t)
	handle := bringOnline(t, eng, lo)

	due := base.Add(61 * time.Second)
	eng.tick(due)

	// Reply lands after the 2s window but before the next tick.
	eng.handleReplyAt(replyFrom(t, deviceMAC, deviceIP), due.Add(5*time.Second))

	snap, _ := eng.Device(handle)
	if snap.State != models.AwaitingReply {
		t.Errorf("stale reply mutated state: got %s", snap.State)
	}
	if snap.LastConfirmed.After(base.Add(time.Minute)) {
		t.Errorf("stale reply refreshed last confirmed: %v", snap.LastConfirmed)
	}

	// The next tick resolves the window as a timeout.
	eng.tick(due.Add(6 * time.Second))
	if st, _ := eng.State(handle); st != models.Offline {
		t.Errorf("state after expiry: got %s want offline", st)
	}
}

// A reply that matches a swept device's IP with a different MAC means
// the device came back with new hardware pairing: update the MAC and
// mark it online.
func TestSweepReplyUpdatesChangedMAC(t *testing.T) {
	eng, _ := newTestEngine(t)

	handle, err := eng.Register("lamp", deviceIP, deviceMAC)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	eng.tick(base)

	newMAC := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x99}
	eng.handleReplyAt(replyFrom(t, newMAC, deviceIP), base.Add(time.Second))

	if st, _ := eng.State(handle); st != models.Online {
		t.Fatalf("state: got %s want online", st)
	}
	snap, _ := eng.Device(handle)
	if snap.MAC != newMAC.String() {
		t.Errorf("MAC not updated: got %s want %s", snap.MAC, newMAC)
	}
}

// Replies for addresses nobody watches, or before any probe covered the
// device, are background noise and must be discarded.
func TestUnsolicitedRepliesDiscarded(t *testing.T) {
	eng, _ := newTestEngine(t)

	handle, err := eng.Register("lamp", deviceIP, deviceMAC)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// No probe has been sent yet; a reply cannot confirm anything.
	eng.handleReplyAt(replyFrom(t, deviceMAC, deviceIP), base)
	if st, _ := eng.State(handle); st != models.Offline {
		t.Errorf("unsolicited reply confirmed device: state %s", st)
	}

	// Reply for an unwatched IP.
	eng.handleReplyAt(replyFrom(t, localMAC, net.IPv4(192, 168, 1, 77)), base)
	if st, _ := eng.State(handle); st != models.Offline {
		t.Errorf("foreign reply mutated device: state %s", st)
	}
}

func TestSendFailureLeavesStateAndRetries(t *testing.T) {
	eng, lo := newTestEngine(t)
	handle := bringOnline(t, eng, lo)

	lo.FailSends(errors.New("tx ring full"))
	due := base.Add(61 * time.Second)
	eng.tick(due)

	// Probe failed: state unchanged, no open window.
	snap, _ := eng.Device(handle)
	if snap.State != models.Online {
		t.Fatalf("state after failed send: got %s want online", snap.State)
	}

	// Next tick retries and succeeds.
	lo.FailSends(nil)
	eng.tick(due.Add(time.Second))
	sent := lo.Sent()
	if len(sent) != 1 {
		t.Fatalf("retry: got %d probes, want 1", len(sent))
	}
	snap, _ = eng.Device(handle)
	if snap.State != models.AwaitingReply {
		t.Errorf("retry state: got %s want awaiting-reply", snap.State)
	}
}

func TestDeregisterDiscardsDevice(t *testing.T) {
	eng, lo := newTestEngine(t)
	handle := bringOnline(t, eng, lo)

	if !eng.Deregister(handle) {
		t.Fatal("Deregister returned false for live handle")
	}
	if eng.Deregister(handle) {
		t.Error("Deregister returned true for removed handle")
	}
	if _, ok := eng.State(handle); ok {
		t.Error("state still queryable after deregistration")
	}
	if n := len(eng.Devices()); n != 0 {
		t.Errorf("Devices: got %d, want 0", n)
	}

	// Late replies for the removed device are discarded quietly.
	eng.handleReplyAt(replyFrom(t, deviceMAC, deviceIP), base.Add(time.Minute))

	// And its scheduler entry is gone: no probes fire for it.
	lo.Reset()
	eng.tick(base.Add(2 * time.Minute))
	if n := len(lo.Sent()); n != 0 {
		t.Errorf("probes sent after deregistration: %d", n)
	}
}

func TestDevicesScheduledIndependently(t *testing.T) {
	eng, lo := newTestEngine(t)

	h1, err := eng.Register("lamp", deviceIP, deviceMAC)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	otherMAC := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x02}
	otherIP := net.IPv4(192, 168, 1, 20)
	h2, err := eng.Register("thermostat", otherIP, otherMAC)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Both confirmed during the initial sweep.
	eng.tick(base)
	eng.handleReplyAt(replyFrom(t, deviceMAC, deviceIP), base.Add(50*time.Millisecond))
	eng.handleReplyAt(replyFrom(t, otherMAC, otherIP), base.Add(60*time.Millisecond))
	lo.Reset()

	// One device times out while the other keeps confirming.
	due := base.Add(61 * time.Second)
	eng.tick(due)
	if n := len(lo.Sent()); n != 2 {
		t.Fatalf("confirmation probes: got %d want 2", n)
	}
	eng.handleReplyAt(replyFrom(t, otherMAC, otherIP), due.Add(time.Second))

	eng.tick(due.Add(3 * time.Second))
	if st, _ := eng.State(h1); st != models.Offline {
		t.Errorf("lamp: got %s want offline", st)
	}
	if st, _ := eng.State(h2); st != models.Online {
		t.Errorf("thermostat: got %s want online", st)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	eng, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

// End-to-end over Run with a loopback responder: a device that answers
// probes is discovered by the sweep and stays online across
// confirmation cycles.
func TestResponderLifecycle(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	lo := transport.NewLoopback(localMAC, localIP)
	lo.SetResponder(func(frame []byte) [][]byte {
		req, err := arp.Decode(frame)
		if err != nil || req.IsReply() || !req.TargetIP.Equal(deviceIP) {
			return nil
		}
		reply, err := arp.EncodeReply(deviceMAC, deviceIP, localMAC, localIP)
		if err != nil {
			return nil
		}
		return [][]byte{reply}
	})

	eng, err := NewEngine(lo, Options{
		ConfirmInterval: 100 * time.Millisecond,
		SweepInterval:   25 * time.Millisecond,
		ReplyTimeout:    500 * time.Millisecond,
		SweepBatch:      64,
		TickInterval:    10 * time.Millisecond,
		RangeLower:      net.IPv4(192, 168, 1, 1),
		RangeUpper:      net.IPv4(192, 168, 1, 254),
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	handle, err := eng.Register("lamp", deviceIP, deviceMAC)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if st, _ := eng.State(handle); st == models.Online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("device never came online")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Hold through several confirmation cycles.
	time.Sleep(400 * time.Millisecond)
	if st, _ := eng.State(handle); st != models.Online {
		t.Errorf("device dropped offline during confirmation cadence: %s", st)
	}
}
