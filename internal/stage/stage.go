// Package stage defines the capability set every pipeline participant
// implements: a single, flat contract that replaces the original
// implementation's two-tier stage hierarchy (a reactor-level raw stage
// wrapping a gateway-internal protocol stage). Gateway, mapper and any
// other pipeline participant are concrete Stages attached directly to a
// Reactor's pipeline, ordered by Kind.
package stage

// Kind positions a stage within the pipeline's insertion order. Lower
// kinds sit closer to the wire; higher kinds sit closer to the
// application. Concrete ranges are reserved the way the original gateway
// layout reserves them:
//
//	[1,31]    gate stages    — framing/liveness (the gateway itself)
//	[32,79]   auth stages    — identity/authorization, if any
//	[80,127]  core stages    — the mapper and other built-in controllers
//	[128,255] generic stages — user-attached stages
type Kind uint8

const (
	KindGateMin    Kind = 1
	KindGateMax    Kind = 31
	KindAuthMin    Kind = 32
	KindAuthMax    Kind = 79
	KindCoreMin    Kind = 80
	KindCoreMax    Kind = 127
	KindGenericMin Kind = 128
	KindGenericMax Kind = 255
)

// InRange reports whether k falls within [min,max] inclusive.
func InRange(k, min, max Kind) bool {
	return k >= min && k <= max
}

// IsGate, IsAuth, IsCore, IsGeneric classify a Kind into its reserved band.
func IsGate(k Kind) bool    { return InRange(k, KindGateMin, KindGateMax) }
func IsAuth(k Kind) bool    { return InRange(k, KindAuthMin, KindAuthMax) }
func IsCore(k Kind) bool    { return InRange(k, KindCoreMin, KindCoreMax) }
func IsGeneric(k Kind) bool { return InRange(k, KindGenericMin, KindGenericMax) }

// Result is the shared error taxonomy used by every pipeline operation.
// Values match the wire protocol's error codes exactly, so a response
// built from a Result stays byte-compatible with existing peers.
type Result int

const (
	// Okay indicates success.
	Okay Result = 0
	// Refuse is never sent on the wire: it tells the caller "try the next
	// stage in the chain" and is the default return of Feed.
	Refuse Result = -100
	// NoRequest/NoResponse indicate the addressed command does not exist.
	NoRequest  Result = -1
	NoResponse Result = -1
	// BadRequest indicates a malformed but recognized request.
	BadRequest Result = -2
	// Parse indicates the line could not be tokenized at all.
	Parse Result = -127
	// Fail indicates an internal failure unrelated to the request's shape.
	Fail Result = -128
)

// Message returns the canonical status text for a Result, matching the
// original's msg_* constants; Refuse has no wire representation.
func (r Result) Message() string {
	switch r {
	case Okay:
		return "READY"
	case NoRequest: // NoResponse shares this value
		return "COMMAND NOT FOUND"
	case BadRequest:
		return "BAD REQUEST"
	case Parse:
		return "INVALID REQUEST"
	case Fail:
		return "INTERNAL ERROR"
	default:
		return "UNKNOWN"
	}
}

// Ring flags describe the scope a reactor operates within.
type Ring uint32

const (
	RingNetwork Ring = 1 << iota
	RingMachine
	RingSession
	RingProcess
)

// Event codes posted between stages and their owning reactor.
const (
	EventJoin       = 1
	EventDrop       = 2
	EventHup        = 3
	EventAbort      = 4
	EventTerminated = 5
	// EventPacket carries a binary packet travelling between the gateway
	// and the rest of the pipeline; its arg is always a *Packet. Because
	// Post delivers the same arg to every stage in kind order, a stage
	// sitting between the gateway and the core band (the uart transport
	// codec) can rewrite Packet.Body in place before a later stage
	// observes it.
	EventPacket    = 10
	EventProgress  = 13
	EventSoftFault = 14
	EventHardFault = 15
	EventUserBase  = 16
	EventUserLast  = 255
)

// Packet is the EventPacket payload: one binary packet on a channel,
// inbound from the wire or outbound toward it.
type Packet struct {
	Channel  byte
	Body     []byte
	Outbound bool
}

// Wire tags shared between the gateway and any core stage that emits its
// own response lines directly (support/channel events), so a core stage
// never needs to import the gateway package just to speak its tags.
const (
	TagResponse     = ']'
	ResponseSupport = 's'
	ResponseChannel = 'c'
	EnableTag       = '+'
	DisableTag      = '-'
)

// Owner is the subset of Reactor a Stage needs to post events, push data
// back out, and learn about its environment, kept separate from the
// concrete reactor type to avoid an import cycle between stage and
// reactor.
type Owner interface {
	// Post delivers an event code with an optional payload to the owner;
	// the owner applies it synchronously during the current dispatch.
	Post(code int, arg any) Result
	// Feed runs data head-first through the owner's whole pipeline, the
	// same dispatch a gateway's own Feed would get from the reactor. A
	// framing stage uses this to hand a request it did not itself
	// recognize to the rest of the pipeline.
	Feed(data []byte) Result
	// Send runs data tail-first through the owner's whole pipeline, so a
	// core stage can push a self-originated response out through the
	// gateway without holding a direct reference to it.
	Send(data []byte) Result
	// ProtoUp runs a freshly-established protocol session head-first
	// through the pipeline (the same direction as Recv), so a core stage
	// learns the peer's identity the moment the gateway's handshake
	// completes.
	ProtoUp(name, info string, mtu int)
	// Role reports the reactor's configured role (host/user/proxy).
	Role() int
}

// Stage is the full capability set a pipeline participant may implement.
// Base supplies pass-through defaults for all of it, so a concrete stage
// only overrides the methods its role actually needs — the Go analogue of
// the original's "replace the deep virtual hierarchy with a capability
// set" design note.
type Stage interface {
	// Kind reports the stage's position band; used to keep the pipeline
	// kind-ordered on Attach.
	Kind() Kind

	// Attach is called once when the stage joins a reactor's pipeline,
	// before Resume.
	Attach(owner Owner)
	// Resume is called when the reactor (re)enters an active state; a
	// stage returning false vetoes the resume for the whole pipeline.
	Resume(owner Owner) bool
	// Join is called once Resume has succeeded for every stage in the
	// pipeline.
	Join()

	// ProtoUp announces a live protocol session to stages above the
	// gateway (name, peer info string, negotiated MTU).
	ProtoUp(name, info string, mtu int)
	// Recv delivers a fully framed inbound message to the next stage;
	// the default propagates it unchanged.
	Recv(data []byte)
	// Feed offers raw inbound bytes to a stage for it to consume as a
	// request; returning Refuse tries the next stage in the chain.
	Feed(data []byte) Result
	// Send offers outbound bytes travelling back down the chain toward
	// the gateway; returning Refuse tries the previous stage.
	Send(data []byte) Result
	// ProtoDown announces the protocol session has ended.
	ProtoDown()

	// Drop is called when the underlying connection is lost.
	Drop()
	// Suspend is called when the reactor becomes inactive.
	Suspend(owner Owner)
	// Detach is called once when the stage leaves the pipeline.
	Detach(owner Owner)

	// Sync is called once per reactor tick with the elapsed time in
	// seconds, used to drive internal timers.
	Sync(dt float32)
	// Post delivers an event code to the stage; the default ignores it
	// and returns Okay.
	Post(code int, arg any) Result
}

// Base implements Stage with the original pipeline's default pass-through
// behavior: Feed refuses (so the pipeline tries the next stage), Recv/Send
// are no-ops left to the embedding stage to override, and every lifecycle
// hook is a no-op. Concrete stages embed Base and override selectively.
type Base struct {
	StageKind Kind
}

func (b *Base) Kind() Kind                    { return b.StageKind }
func (b *Base) Attach(Owner)                  {}
func (b *Base) Resume(Owner) bool             { return true }
func (b *Base) Join()                         {}
func (b *Base) ProtoUp(string, string, int)   {}
func (b *Base) Recv([]byte)                   {}
func (b *Base) Feed([]byte) Result            { return Refuse }
func (b *Base) Send([]byte) Result            { return Refuse }
func (b *Base) ProtoDown()                    {}
func (b *Base) Drop()                         {}
func (b *Base) Suspend(Owner)                 {}
func (b *Base) Detach(Owner)                  {}
func (b *Base) Sync(float32)                  {}
func (b *Base) Post(int, any) Result          { return Okay }
