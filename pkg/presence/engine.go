package presence

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/lan-presence/pkg/arp"
	"github.com/ExclusiveAccount/lan-presence/pkg/models"
	"github.com/ExclusiveAccount/lan-presence/pkg/transport"
)

// probeMode selects how the scheduler probes a device.
type probeMode int

const (
	// modeConfirm sends a single unicast request to the known MAC at
	// the long confirmation cadence.
	modeConfirm probeMode = iota
	// modeSweep broadcasts across the configured address range at the
	// short sweep cadence until the device answers.
	modeSweep
)

// Options tunes the presence engine. Zero values fall back to the
// defaults below; the address range is required.
type Options struct {
	// ConfirmInterval is the cadence of unicast confirmation probes
	// while a device is online.
	ConfirmInterval time.Duration
	// SweepInterval is the cadence of broadcast sweep batches while
	// any device is offline.
	SweepInterval time.Duration
	// ReplyTimeout is how long a probe waits for a matching reply, a
	// round-trip budget rather than a polling interval.
	ReplyTimeout time.Duration
	// SweepBatch bounds how many broadcast probes a single sweep tick
	// may send.
	SweepBatch int
	// TickInterval is the scheduler granularity.
	TickInterval time.Duration
	// RangeLower and RangeUpper bound the inclusive IPv4 sweep range.
	RangeLower net.IP
	RangeUpper net.IP
	// EventBuffer sizes the presence-change event channel.
	EventBuffer int

	Logger *logrus.Logger
}

// Default tunables. The original deployment confirmed every minute and
// swept every few seconds; exposed here rather than hardcoded.
const (
	DefaultConfirmInterval = 60 * time.Second
	DefaultSweepInterval   = 5 * time.Second
	DefaultReplyTimeout    = 2 * time.Second
	DefaultSweepBatch      = 16
	DefaultTickInterval    = 250 * time.Millisecond
	DefaultEventBuffer     = 64
)

func (o Options) withDefaults() Options {
	if o.ConfirmInterval <= 0 {
		o.ConfirmInterval = DefaultConfirmInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = DefaultReplyTimeout
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = DefaultSweepBatch
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	return o
}

// device is the engine-owned state for one watched device. All access
// is serialized behind Engine.mu.
type device struct {
	handle string
	name   string
	ip     net.IP // always 4 bytes
	mac    net.HardwareAddr

	state  models.PresenceState
	online bool // last published reachability

	// probeGen counts issued confirmation probes; resolvedGen marks
	// the last one answered or timed out. A reply only counts while
	// probeGen > resolvedGen and the deadline has not passed.
	probeGen      uint64
	resolvedGen   uint64
	probeDeadline time.Time

	mode        probeMode
	sweepProbed bool // a sweep probe has covered this IP since it went offline
	nextConfirm time.Time

	lastProbe     time.Time
	lastConfirmed time.Time
}

// Engine tracks registered devices and drives the probe schedule. It
// owns all device state; callers interact through handles and
// snapshots only.
type Engine struct {
	tr     transport.Transport
	opts   Options
	logger *logrus.Logger

	mu        sync.Mutex
	devices   map[string]*device
	byIP      map[string]*device // keyed by 4-byte IP string
	seq       int
	sweep     *sweeper
	sweeping  bool
	nextSweep time.Time

	events chan models.Event
}

// NewEngine creates an engine bound to the given transport. The
// transport's local addresses are used as the probe sender identity.
func NewEngine(tr transport.Transport, opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	localIP := tr.LocalIP()
	if localIP == nil || localIP.To4() == nil {
		return nil, fmt.Errorf("transport has no local IPv4 address")
	}
	if len(tr.LocalMAC()) != 6 {
		return nil, fmt.Errorf("transport has no local MAC address")
	}

	sw, err := newSweeper(opts.RangeLower, opts.RangeUpper, localIP)
	if err != nil {
		return nil, err
	}

	return &Engine{
		tr:      tr,
		opts:    opts,
		logger:  opts.Logger,
		devices: make(map[string]*device),
		byIP:    make(map[string]*device),
		sweep:   sw,
		events:  make(chan models.Event, opts.EventBuffer),
	}, nil
}

// Register starts watching a device. The device begins Offline and is
// swept until a reply confirms it; presence is assumed absent until
// proven otherwise. Registering a second device with the same IP is an
// error.
func (e *Engine) Register(name string, ip net.IP, mac net.HardwareAddr) (string, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return "", fmt.Errorf("device %q: %v is not an IPv4 address", name, ip)
	}
	if len(mac) != 6 {
		return "", fmt.Errorf("device %q: MAC %v must be 6 bytes", name, mac)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.byIP[string(ip4)]; ok {
		return "", fmt.Errorf("device %q: IP %s already watched by %q", name, ip4, existing.name)
	}

	e.seq++
	d := &device{
		handle: fmt.Sprintf("dev-%d", e.seq),
		name:   name,
		ip:     append(net.IP(nil), ip4...),
		mac:    append(net.HardwareAddr(nil), mac...),
		state:  models.Offline,
		mode:   modeSweep,
	}
	e.devices[d.handle] = d
	e.byIP[string(d.ip)] = d

	e.logger.Infof("Watching %s (%s, %s)", d.name, d.ip, d.mac)
	return d.handle, nil
}

// Deregister stops watching a device, discarding its scheduler entry
// and any in-flight probe state. It never blocks on network I/O.
func (e *Engine) Deregister(handle string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.devices[handle]
	if !ok {
		return false
	}
	delete(e.devices, handle)
	delete(e.byIP, string(d.ip))
	e.logger.Infof("Stopped watching %s (%s)", d.name, d.ip)
	return true
}

// State reports the published reachability of a device: Online or
// Offline. A device awaiting a reply keeps its previous status until
// the probe resolves.
func (e *Engine) State(handle string) (models.PresenceState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.devices[handle]
	if !ok {
		return models.Offline, false
	}
	if d.online {
		return models.Online, true
	}
	return models.Offline, true
}

// Device returns a snapshot of one watched device.
func (e *Engine) Device(handle string) (models.Device, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.devices[handle]
	if !ok {
		return models.Device{}, false
	}
	return e.snapshot(d), true
}

// Devices returns snapshots of all watched devices ordered by IP.
func (e *Engine) Devices() []models.Device {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.Device, 0, len(e.devices))
	for _, d := range e.devices {
		out = append(out, e.snapshot(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Events returns the presence-change event channel. Events are dropped
// rather than blocking the engine when the subscriber falls behind.
func (e *Engine) Events() <-chan models.Event {
	return e.events
}

func (e *Engine) snapshot(d *device) models.Device {
	interval := e.opts.ConfirmInterval
	if d.mode == modeSweep {
		interval = e.opts.SweepInterval
	}
	return models.Device{
		Handle:        d.handle,
		Name:          d.name,
		IP:            d.ip.String(),
		MAC:           d.mac.String(),
		State:         d.state,
		LastConfirmed: d.lastConfirmed,
		LastProbe:     d.lastProbe,
		PollInterval:  interval,
	}
}

// Run drives the engine: the transport listener and the scheduler tick
// run concurrently and neither blocks the other. Run returns when the
// context is cancelled or the transport fails fatally.
func (e *Engine) Run(ctx context.Context) error {
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- e.tr.Listen(ctx, e.handleFrame)
	}()

	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-listenErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("transport listener: %w", err)
		case now := <-ticker.C:
			e.tick(now)
		}
	}
}

// handleFrame is the transport callback: decode, discard noise, and
// hand matching replies to the state machine.
func (e *Engine) handleFrame(frame []byte) {
	reply, err := arp.Decode(frame)
	if err != nil {
		// Non-ARP and truncated frames are normal LAN background
		// traffic, not errors.
		return
	}
	if !reply.IsReply() {
		return
	}
	e.handleReplyAt(reply, time.Now())
}

func (e *Engine) handleReplyAt(reply arp.Reply, now time.Time) {
	senderIP := reply.SenderIP.To4()
	if senderIP == nil || senderIP.Equal(e.tr.LocalIP()) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.byIP[string(senderIP)]
	if !ok {
		return
	}

	switch {
	case d.state == models.AwaitingReply && d.probeGen > d.resolvedGen && !now.After(d.probeDeadline):
		d.resolvedGen = d.probeGen
		e.confirm(d, reply, now)
	case d.state == models.Offline && d.mode == modeSweep && d.sweepProbed:
		e.confirm(d, reply, now)
	default:
		// Stale generation or unsolicited reply; discard.
		e.logger.Debugf("Discarding reply from %s for %s (state %s)", senderIP, d.name, d.state)
	}
}

// confirm applies a matching reply: the device is present, possibly
// with a new MAC.
func (e *Engine) confirm(d *device, reply arp.Reply, now time.Time) {
	if len(reply.SenderMAC) == 6 && reply.SenderMAC.String() != d.mac.String() {
		e.logger.Warnf("Device %s changed MAC %s -> %s", d.name, d.mac, reply.SenderMAC)
		d.mac = append(net.HardwareAddr(nil), reply.SenderMAC...)
	}

	d.lastConfirmed = now
	d.mode = modeConfirm
	d.sweepProbed = false
	d.nextConfirm = now.Add(e.opts.ConfirmInterval)
	e.setState(d, models.Online, now)
}

// setState updates the machine state and publishes an event when the
// device's reachability flips.
func (e *Engine) setState(d *device, state models.PresenceState, now time.Time) {
	d.state = state

	online := state == models.Online
	if state == models.AwaitingReply {
		online = d.online // unresolved probes keep the previous status
	}
	if online == d.online {
		return
	}

	prev := models.Offline
	if d.online {
		prev = models.Online
	}
	d.online = online

	curr := models.Offline
	if online {
		curr = models.Online
	}
	e.logger.Infof("Device %s (%s) is now %s", d.name, d.ip, curr)

	ev := models.Event{
		Handle:    d.handle,
		Name:      d.name,
		IP:        d.ip.String(),
		MAC:       d.mac.String(),
		Previous:  prev,
		State:     curr,
		Timestamp: now,
	}
	select {
	case e.events <- ev:
	default:
		e.logger.Debugf("Event buffer full, dropping %s -> %s for %s", prev, curr, d.name)
	}
}

// plannedProbe is a frame prepared under the lock and sent outside it,
// so slow sends never stall reply handling. Probe bookkeeping is
// recorded at planning time; a reply may legitimately arrive before the
// send call even returns.
type plannedProbe struct {
	handle string
	target net.IP
	frame  []byte
	gen    uint64
	sweep  bool
}

// tick runs one scheduler pass: expire overdue probes, sweep for
// offline devices, confirm online ones.
func (e *Engine) tick(now time.Time) {
	for _, p := range e.plan(now) {
		if err := e.tr.Send(p.frame); err != nil {
			// A failed send is a failed probe attempt: the device is
			// put back in its previous state and retried next tick.
			e.logger.Warnf("Probe to %s failed: %v", p.target, err)
			e.revert(p)
		}
	}
}

// plan expires timed-out probes, collects the probes due this tick and
// records them as in flight. Frames are built here so sending happens
// without the lock.
func (e *Engine) plan(now time.Time) []plannedProbe {
	e.mu.Lock()
	defer e.mu.Unlock()

	var probes []plannedProbe

	// Expire confirmation probes whose reply window has passed.
	sweepDue := false
	for _, d := range e.devices {
		if d.state == models.AwaitingReply && now.After(d.probeDeadline) {
			d.resolvedGen = d.probeGen
			d.mode = modeSweep
			d.sweepProbed = false
			e.setState(d, models.Offline, now)
		}
		if d.state == models.Offline && d.mode == modeSweep {
			sweepDue = true
		}
	}

	// One shared sweep paces broadcast probes for all offline devices.
	if sweepDue && !now.Before(e.nextSweep) {
		if !e.sweeping {
			e.sweep.rewind()
			e.sweeping = true
		}
		for _, target := range e.sweep.targets(e.opts.SweepBatch) {
			frame, err := arp.EncodeRequest(e.tr.LocalMAC(), e.tr.LocalIP(), arp.BroadcastMAC, target)
			if err != nil {
				e.logger.Errorf("Building sweep probe for %s: %v", target, err)
				continue
			}
			if d, ok := e.byIP[string(target.To4())]; ok && d.state == models.Offline && d.mode == modeSweep {
				d.sweepProbed = true
				d.lastProbe = now
			}
			probes = append(probes, plannedProbe{target: target, frame: frame, sweep: true})
		}
		e.nextSweep = now.Add(e.opts.SweepInterval)
	} else if !sweepDue {
		e.sweeping = false
	}

	// Unicast confirmation probes on the long cadence. Only one probe
	// per device may be open at a time; AwaitingReply devices are
	// skipped until their window resolves.
	for _, d := range e.devices {
		if d.state != models.Online || now.Before(d.nextConfirm) {
			continue
		}
		frame, err := arp.EncodeRequest(e.tr.LocalMAC(), e.tr.LocalIP(), d.mac, d.ip)
		if err != nil {
			e.logger.Errorf("Building confirmation probe for %s: %v", d.name, err)
			continue
		}
		d.probeGen++
		d.probeDeadline = now.Add(e.opts.ReplyTimeout)
		d.lastProbe = now
		e.setState(d, models.AwaitingReply, now)
		probes = append(probes, plannedProbe{handle: d.handle, target: d.ip, frame: frame, gen: d.probeGen})
	}

	return probes
}

// revert undoes the bookkeeping for a probe whose send failed. A sweep
// probe needs no revert: the flag it set only widens reply matching,
// and no reply can come from a frame that never left the machine.
func (e *Engine) revert(p plannedProbe) {
	if p.sweep {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.devices[p.handle]
	if !ok {
		return
	}
	// Only unwind if this exact probe is still the open one.
	if d.state != models.AwaitingReply || d.probeGen != p.gen || d.resolvedGen >= p.gen {
		return
	}
	d.resolvedGen = d.probeGen
	e.setState(d, models.Online, time.Time{})
}
