// Package gateway implements the framing stage: it turns a raw byte
// stream into tagged request/response/sync/help lines and length-prefixed
// binary packets, and turns pipeline responses back into wire bytes. It
// also owns the connection's liveness timers (wait/drop/ping/trip) and the
// role-gated ping behavior described in the component design.
package gateway

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/emcnet/emc-core/internal/argv"
	"github.com/emcnet/emc-core/internal/stage"
	"github.com/emcnet/emc-core/internal/timer"
)

// Options is a bit set of gateway behaviors, mirroring the original's
// o_* option flags.
type Options uint32

const (
	OptionNone       Options = 0
	OptionEnableUser Options = 1 << 0
	OptionEnableHost Options = 1 << 1
	OptionFlushAuto  Options = 1 << 4
	OptionStealth    Options = 1 << 8
	OptionDefault            = OptionEnableHost | OptionEnableUser | OptionFlushAuto
)

// Transmitter is the external byte-bus collaborator a Gateway writes wire
// bytes to; the host descriptor/socket behind it is out of scope for this
// module (see SPEC_FULL.md's ambient CLI wrappers for a net.Conn-backed
// implementation).
type Transmitter interface {
	Transmit(data []byte) (int, error)
}

// Config carries the tunables a Gateway needs at construction, grounded on
// original_source/config.in.h's defaults.
type Config struct {
	MTU        int
	ReserveMin int
	ReserveMax int
	WaitTime   float32
	DropTime   float32
	PingTime   float32
	TripTime   float32
	Name       string
	Info       string
	// ArchEndian identifies the machine/byte-order pair sent in the info
	// response's "i" line (e.g. "x86_64_le"); defaults to a value derived
	// from the running binary's GOARCH and native byte order.
	ArchEndian string
	Options    Options
}

// DefaultConfig returns the documented defaults for every gateway tunable.
func DefaultConfig() Config {
	return Config{
		MTU:        255,
		ReserveMin: 64,
		ReserveMax: 4096,
		WaitTime:   8,
		DropTime:   32,
		PingTime:   128,
		TripTime:   256,
		Name:       MachineNameNone,
		Info:       MachineTypeGeneric,
		ArchEndian: defaultArchEndian(),
		Options:    OptionDefault,
	}
}

// defaultArchEndian renders runtime.GOARCH under its traditional name
// (amd64 -> x86_64, 386 -> x86, arm64 -> aarch64) joined to the running
// binary's native byte order.
func defaultArchEndian() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "386":
		arch = "x86"
	case "arm64":
		arch = "aarch64"
	}
	return arch + "_" + nativeOrder()
}

func nativeOrder() string {
	var probe [2]byte
	binary.NativeEndian.PutUint16(probe[:], 1)
	if probe[0] == 1 {
		return OrderLE
	}
	return OrderBE
}

type recvState int

const (
	stateDrop recvState = iota
	stateRecover
	stateAccept
	stateCaptureMessage
	stateCapturePacket
)

// Gateway is the stage responsible for framing and liveness.
type Gateway struct {
	stage.Base

	cfg Config
	tx  Transmitter
	own stage.Owner

	recv      []byte
	recvIter  int
	state     recvState
	packetCh  byte
	packetLen int

	send []byte

	waitTimer timer.Timer
	dropTimer timer.Timer
	pingTimer timer.Timer
	tripTimer timer.Timer

	healthy bool
	ready   bool

	// remote* hold the peer's identity once its first info response has
	// been parsed; protoUp guards against firing ProtoUp more than once
	// per session.
	remoteName string
	remoteInfo string
	remoteMTU  int
	protoUp    bool

	MsgRecv, MsgDrop, MsgTmit int64
	ChrRecv, ChrTmit          int64
}

// New constructs a Gateway in the gate Kind band, ready to Attach to a
// Reactor.
func New(cfg Config, tx Transmitter) *Gateway {
	g := &Gateway{cfg: cfg, tx: tx}
	g.StageKind = stage.KindGateMin
	g.recv = make([]byte, 0, cfg.ReserveMin)
	g.send = make([]byte, 0, cfg.ReserveMin)
	g.dropTimer = timer.New(false)
	g.pingTimer = timer.New(false)
	g.tripTimer = timer.New(false)
	g.waitTimer = timer.New(false)
	return g
}

func (g *Gateway) Attach(owner stage.Owner) {
	g.own = owner
}

func (g *Gateway) Resume(owner stage.Owner) bool {
	g.healthy = true
	g.ready = true
	g.dropTimer.Resume(true)
	g.tripTimer.Resume(true)
	if g.shouldPing(owner) {
		g.pingTimer.Resume(true)
	}
	return true
}

func (g *Gateway) Suspend(owner stage.Owner) {
	g.healthy = false
	g.ready = false
	g.dropTimer.Suspend()
	g.tripTimer.Suspend()
	g.pingTimer.Suspend()
	g.waitTimer.Suspend()
}

func (g *Gateway) Drop() {
	g.healthy = false
	g.MsgDrop++
}

// shouldPing reports whether this gateway should actively ping its peer:
// only user-role reactors operating on the network ring do, matching the
// component design ("ping only for user-role gateways on network ring").
func (g *Gateway) shouldPing(owner stage.Owner) bool {
	if owner.Role() != 2 { // reactor.RoleUser, kept untyped to avoid an import cycle
		return false
	}
	rf, ok := owner.(interface{ HasRingFlags(stage.Ring) bool })
	return ok && rf.HasRingFlags(stage.RingNetwork)
}

// Ingest accepts raw bytes read from the transport and feeds them through
// the line/packet framer, dispatching each complete message as it
// completes. It is not part of the Stage interface: stages exchange
// already-framed data, but raw bytes only ever enter the pipeline through
// its head gateway.
func (g *Gateway) Ingest(data []byte) {
	g.ChrRecv += int64(len(data))
	before := len(g.recv) + len(data)
	g.recv = appendGrow(g.recv, data, g.cfg.ReserveMax)
	overflowed := len(g.recv) < before
	if overflowed {
		// appendGrow silently truncated: the receive buffer hit
		// cfg.ReserveMax with a message still incomplete. Mark the state
		// so a caller inspecting State() can tell the difference between
		// "waiting for more bytes" and "gave up on this buffer."
		g.state = stateDrop
		g.MsgDrop++
	}
	g.waitTimer.Reset()
	g.dropTimer.Reset()
	g.dropTimer.Resume(true)
	g.tripTimer.Reset()

	for {
		if g.state == stateDrop {
			g.state = stateRecover
		}
		consumed, ok := g.extractOne()
		if !ok {
			break
		}
		g.recv = g.recv[consumed:]
	}
	if overflowed {
		g.state = stateDrop
	}
}

// State reports the receive state machine's current position, mostly
// useful for tests and diagnostics: Accept between messages, CaptureX
// while buffering a partial one, Drop right after a buffer overflow and
// Recover for the first extraction attempt following it.
func (g *Gateway) State() recvState { return g.state }

// extractOne classifies g.recv[0] per the receive state machine: 0xff
// (EOF) and 0x7f (DEL) are line-noise markers consumed and discarded; a
// byte in [0x80,0xfe] opens a binary packet whose channel is 0xff-b and
// whose 3 following hex digits encode size/PacketSizeMultiplier; anything
// else opens a text line terminated by '\n' (an optional trailing '\r' is
// stripped). ok is false if no complete message is currently buffered,
// in which case g.state records what extractOne is waiting on.
func (g *Gateway) extractOne() (int, bool) {
	if len(g.recv) == 0 {
		g.state = stateAccept
		return 0, false
	}
	b := g.recv[0]
	switch {
	case b == 0xff || b == 0x7f:
		g.state = stateAccept
		return 1, true
	case b >= 0x80:
		g.state = stateCapturePacket
		if len(g.recv) < PacketHeaderSize {
			return 0, false
		}
		units := hexTripletValue(g.recv[1], g.recv[2], g.recv[3])
		size := units * PacketSizeMultiplier
		total := PacketHeaderSize + size
		if len(g.recv) < total {
			return 0, false
		}
		channel := byte(0xff - int(b))
		body := g.recv[PacketHeaderSize:total]
		g.dispatchPacket(channel, body)
		g.state = stateAccept
		return total, true
	default:
		g.state = stateCaptureMessage
		for i, c := range g.recv {
			if c == '\n' {
				line := g.recv[:i]
				if len(line) > 0 && line[len(line)-1] == '\r' {
					line = line[:len(line)-1]
				}
				g.dispatchLine(line)
				g.state = stateAccept
				return i + 1, true
			}
		}
		return 0, false
	}
}

func hexTripletValue(hi, mid, lo byte) int {
	return hexNibble(hi)<<8 | hexNibble(mid)<<4 | hexNibble(lo)
}

func hexNibble(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return 0
	}
}

func (g *Gateway) dispatchLine(line []byte) {
	if len(line) == 0 {
		return
	}
	tag := line[0]
	rest := line[1:]
	g.MsgRecv++
	switch tag {
	case TagRequest:
		g.handleRequest(rest)
	case TagSync:
		g.handleSync(rest)
	case TagResponse:
		g.handleResponse(rest)
	default:
		// help lines directed at us are informational only; nothing
		// downstream consumes them.
	}
}

// handleResponse parses a peer-originated response line. An "i" info
// response records the peer's identity and, the first time one arrives,
// flips healthy on and fans ProtoUp out to the rest of the pipeline — the
// user-role half of the handshake the host-role Join burst answers. A "g"
// pong response just resets the liveness timers the way a request-side
// ping answer would.
func (g *Gateway) handleResponse(rest []byte) {
	if len(rest) == 0 {
		return
	}
	buf := append([]byte(nil), rest...)
	args := argv.Parse(buf)
	if len(args) == 0 {
		return
	}
	switch {
	case args[0].HasText("i"):
		g.handleInfoResponse(args)
	case args[0].HasText("g"):
		g.dropTimer.Reset()
		g.tripTimer.Reset()
	}
}

// handleInfoResponse expects the same shape SendInfo writes:
// i <protocol> <version> <name> <info> <arch_endian> <hex-mtu>.
func (g *Gateway) handleInfoResponse(args []argv.Arg) {
	if len(args) < 7 {
		return
	}
	g.remoteName = args[3].Text()
	g.remoteInfo = args[4].Text()
	g.remoteMTU = args[6].GetHexInt()
	g.dropTimer.Reset()
	g.tripTimer.Reset()
	if !g.protoUp {
		g.protoUp = true
		g.healthy = true
		if g.own != nil {
			g.own.ProtoUp(g.remoteName, g.remoteInfo, g.remoteMTU)
		}
	}
}

func (g *Gateway) handleRequest(rest []byte) {
	buf := append([]byte(nil), rest...)
	args := argv.Parse(buf)
	if len(args) == 0 {
		g.SendError(stage.Parse, "")
		return
	}
	switch {
	case args[0].HasText("i"):
		g.SendInfo()
		return
	case args[0].HasText("g"):
		g.SendPong()
		return
	case args[0].HasText("z"):
		g.SendBye()
		return
	}
	if g.own == nil {
		g.SendError(stage.NoRequest, "")
		return
	}
	result := g.own.Feed(rest)
	switch result {
	case stage.Okay, stage.NoRequest:
		// A stage that handled the request emits its own response line(s)
		// (support/channel events, etc.); NoRequest means nothing claimed
		// the verb. Neither case gets a generic acknowledgement here.
	default:
		g.SendError(result, "")
	}
}

// handleSync answers a '@' sync request the same way Join answers a fresh
// connection: a host-role gateway restates its identity and device
// listing so a peer that reconnected mid-session can resynchronize
// without a full reset.
func (g *Gateway) handleSync(rest []byte) {
	g.dropTimer.Reset()
	if g.isHostRole() {
		g.sendJoinBurst()
	}
}

// Join announces a host-role gateway's identity and device listing the
// moment the pipeline resumes, matching the component design's role
// protocol: a user-role peer waits to receive this burst before it
// considers the session live.
func (g *Gateway) Join() {
	if g.isHostRole() {
		g.sendJoinBurst()
	}
}

// sendJoinBurst writes the info line and then asks the rest of the
// pipeline (the mapper) to list its devices; the mapper answers by
// emitting one support line per device through Send.
func (g *Gateway) sendJoinBurst() {
	g.SendInfo()
	if g.own != nil {
		g.own.Feed([]byte("support"))
	}
}

// isHostRole reports whether this gateway's reactor is configured as the
// host side of the role protocol (the side that announces itself).
func (g *Gateway) isHostRole() bool {
	return g.own != nil && g.own.Role() == 1 // reactor.RoleHost, kept untyped to avoid an import cycle
}

func (g *Gateway) dispatchPacket(channel byte, body []byte) {
	g.MsgRecv++
	if g.own != nil {
		g.own.Post(stage.EventPacket, &stage.Packet{Channel: channel, Body: append([]byte(nil), body...)})
	}
}

// Send pushes a self-originated response line from a stage above the
// gateway (e.g. the mapper's support/channel events) out onto the wire;
// it is the bottom of the tail-to-head Send chain stage.Owner.Send walks.
func (g *Gateway) Send(data []byte) stage.Result {
	line := append([]byte(nil), data...)
	g.transmit(line)
	return stage.Okay
}

// appendGrow appends src to dst, doubling dst's capacity as needed up to
// max (silently truncating further growth, matching the bounded queue the
// component design calls for).
func appendGrow(dst, src []byte, max int) []byte {
	need := len(dst) + len(src)
	if cap(dst) < need {
		newCap := cap(dst)
		if newCap == 0 {
			newCap = 64
		}
		for newCap < need && newCap < max {
			newCap *= 2
		}
		if newCap > max {
			newCap = max
		}
		grown := make([]byte, len(dst), newCap)
		copy(grown, dst)
		dst = grown
	}
	room := cap(dst) - len(dst)
	if len(src) > room {
		src = src[:room]
	}
	return append(dst, src...)
}

// --- Response formatting -------------------------------------------------

func (g *Gateway) transmit(line []byte) {
	if g.cfg.Options&OptionStealth != 0 {
		return
	}
	line = append(line, '\n')
	n, _ := g.tx.Transmit(line)
	g.ChrTmit += int64(n)
	g.MsgTmit++
}

// SendInfo writes the gateway identity response:
// ]i <protocol> <version> <name> <info> <arch_endian> <hex-mtu>.
func (g *Gateway) SendInfo() {
	line := Put(nil, Char(TagResponse), Char(ResponseInfo), Char(' '),
		Text(ProtocolName), Char(' '), Text(ProtocolVersion), Char(' '),
		Text(g.cfg.Name), Char(' '), Text(g.cfg.Info), Char(' '),
		Text(g.cfg.ArchEndian), Char(' '),
		HexUpper(int64(g.cfg.MTU), 0))
	g.transmit(line)
}

// SendPong answers a ping request.
func (g *Gateway) SendPong() {
	g.dropTimer.Reset()
	g.tripTimer.Reset()
	line := Put(nil, Char(TagResponse), Char(ResponsePong))
	g.transmit(line)
}

// SendBye answers a disconnect request.
func (g *Gateway) SendBye() {
	line := Put(nil, Char(TagResponse), Char(ResponseBye))
	g.transmit(line)
}

// SendOkay acknowledges a request the pipeline handled successfully.
func (g *Gateway) SendOkay() {
	line := Put(nil, Char(TagResponse), Char(ResponseOkay))
	g.transmit(line)
}

// SendError writes an error response line for the given result.
func (g *Gateway) SendError(result stage.Result, detail string) {
	line := Put(nil, Char(TagResponse), Char(ResponseError), Char(' '),
		Dec(int64(result)))
	if detail != "" {
		line = Put(line, Char(' '), Text(detail))
	} else {
		line = Put(line, Char(' '), Text(result.Message()))
	}
	g.transmit(line)
}

// SendPing actively queries the peer's liveness; only called when
// shouldPing holds.
func (g *Gateway) SendPing() {
	line := Put(nil, Char(TagRequest), Char('g'))
	g.transmit(line)
}

// SendPacket frames body as a binary packet on the given channel: a
// header byte (0xff-channel), 3 hex digits encoding size/PacketSizeMultiplier,
// then the body padded up to that rounded size. Before framing, the
// packet is posted as an outbound stage.EventPacket so a transport codec
// stage (e.g. the uart base16/base64/flate/gzip stage) sitting between
// the gateway and the wire gets a chance to re-encode Body in place.
func (g *Gateway) SendPacket(channel byte, body []byte) {
	pkt := &stage.Packet{Channel: channel, Body: append([]byte(nil), body...), Outbound: true}
	if g.own != nil {
		g.own.Post(stage.EventPacket, pkt)
	}
	body = pkt.Body
	units := (len(body) + PacketSizeMultiplier - 1) / PacketSizeMultiplier
	if units > PacketSizeUnitsMax {
		units = PacketSizeUnitsMax
	}
	padded := units * PacketSizeMultiplier
	if len(body) > padded {
		body = body[:padded]
	}
	out := make([]byte, 0, PacketHeaderSize+padded)
	out = append(out, byte(0xff-int(channel)))
	out = append(out, hexDigit(units>>8), hexDigit((units>>4)&0xf), hexDigit(units&0xf))
	out = append(out, body...)
	for len(out) < PacketHeaderSize+padded {
		out = append(out, 0)
	}
	n, _ := g.tx.Transmit(out)
	g.ChrTmit += int64(n)
	g.MsgTmit++
}

func hexDigit(v int) byte {
	const digits = "0123456789abcdef"
	return digits[v&0xf]
}

// Sync advances the gateway's liveness timers and, once the trip interval
// elapses without traffic, declares the connection unhealthy and posts
// EventHup for the reactor to react to (e.g. by dropping the stage).
func (g *Gateway) Sync(dt float32) {
	g.dropTimer.Update(dt)
	g.tripTimer.Update(dt)
	g.pingTimer.Update(dt)

	if g.tripTimer.Test(g.cfg.TripTime) {
		g.healthy = false
		if g.own != nil {
			g.own.Post(stage.EventHup, nil)
		}
		return
	}
	if g.pingTimer.Enabled() && g.pingTimer.Test(g.cfg.PingTime) {
		g.SendPing()
		g.pingTimer.Reset()
	}
}

// Healthy reports whether the connection is currently considered alive.
func (g *Gateway) Healthy() bool { return g.healthy }

var _ fmt.Stringer = (*Gateway)(nil)

func (g *Gateway) String() string {
	return fmt.Sprintf("gateway(%s/%s mtu=%d)", g.cfg.Name, g.cfg.Info, g.cfg.MTU)
}
