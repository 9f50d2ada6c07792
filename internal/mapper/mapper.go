// Package mapper implements the device/channel table: a fixed set of
// device descriptors, the streams opened against them, and the channel
// map that lets a peer address an open stream by a single byte id in
// binary packets.
package mapper

import (
	"fmt"

	"github.com/emcnet/emc-core/internal/argv"
	"github.com/emcnet/emc-core/internal/stage"
)

const (
	DeviceCountMax = 16
	StreamCountMax = 16
	DeviceNameSize = 8

	ChidMin  = 1
	ChidMax  = 127
	ChidNone = 0
)

// Device flag bits, ported from original_source/mapper.h.
const (
	DeviceFlagNone       = 0
	DeviceFlagAllowRecv  = 0x01
	DeviceFlagAllowSend  = 0x02
	DeviceFlagAllowSeek  = 0x04
	DeviceFlagAllowSync  = 0x08
	DeviceFlagModeBinary = 0x80

	DeviceTypeNone = 0
)

// Stream flag bits alias the device flags they were opened from, plus an
// encoding selector for text transports.
const (
	StreamFlagNone            = 0
	StreamEncodingBase16      = 0x10
	StreamEncodingBase64      = 0x40
)

// Device describes one entry in the device table: a named capability the
// mapper can open streams against. Concrete device behavior (what a
// stream opened against it actually reads/writes) is supplied by a
// StreamOpener registered alongside it — the mapper itself never
// implements a concrete device.
type Device struct {
	Type           byte
	Flags          byte
	InstanceCount  int8
	InstanceLimit  int8
	Name           string
	Opener         StreamOpener
}

// Stream is one open channel binding between a peer-visible channel id
// and a device.
type Stream struct {
	Type    byte
	Device  int
	Channel int
	Flags   byte
	Rate    int
	Offset  int
	Size    int
}

func (s *Stream) inUse() bool { return s.Type != DeviceTypeNone }

// StreamOpener is implemented by a concrete device to accept or refuse an
// open request and populate stream-specific fields.
type StreamOpener interface {
	OpenStream(stream *Stream, device *Device, args []argv.Arg) stage.Result
	CloseStream(stream *Stream) stage.Result
}

// Mapper is the core stage owning the device/stream tables and the
// channel map. The channel map is scoped to this Mapper instance (one per
// reactor) rather than process-global, per the component design's open
// question resolution: cross-reactor channel sharing is not a stated
// requirement.
type Mapper struct {
	stage.Base

	own stage.Owner

	devices     [DeviceCountMax]Device
	deviceCount int

	streams     [StreamCountMax]Stream
	streamCount int

	channelMap  [ChidMax + 1]*Stream
	searchIndex int
}

// New constructs an empty Mapper, attachable to a Reactor in the core
// Kind band.
func New() *Mapper {
	m := &Mapper{searchIndex: ChidMin}
	m.StageKind = stage.KindCoreMin
	return m
}

// Attach records the owning reactor so the mapper can push its own
// support/channel event lines out through the gateway via own.Send,
// without importing the gateway package.
func (m *Mapper) Attach(owner stage.Owner) {
	m.own = owner
}

// RegisterDevice adds a device to the table. Returns an error if the
// table is full or the name does not fit DeviceNameSize.
func (m *Mapper) RegisterDevice(name string, typ byte, flags byte, instanceLimit int8, opener StreamOpener) error {
	if m.deviceCount >= DeviceCountMax {
		return fmt.Errorf("mapper: device table full (max %d)", DeviceCountMax)
	}
	if len(name) > DeviceNameSize {
		return fmt.Errorf("mapper: device name %q exceeds %d bytes", name, DeviceNameSize)
	}
	m.devices[m.deviceCount] = Device{
		Type:          typ,
		Flags:         flags,
		InstanceLimit: instanceLimit,
		Name:          name,
		Opener:        opener,
	}
	m.deviceCount++
	return nil
}

func (m *Mapper) findDeviceIndex(name string) int {
	for i := 0; i < m.deviceCount; i++ {
		if m.devices[i].Name == name {
			return i
		}
	}
	return -1
}

// findChannel picks the first free channel id at or after searchIndex,
// wrapping around to ChidMin if none is found, matching the original's
// rolling search to spread reuse across the id space.
func (m *Mapper) findChannel() int {
	wrap := m.searchIndex
	for i := m.searchIndex; i <= ChidMax; i++ {
		if m.channelMap[i] == nil {
			return i
		}
	}
	if wrap > ChidMin {
		for i := ChidMin; i < wrap; i++ {
			if m.channelMap[i] == nil {
				return i
			}
		}
	}
	return ChidNone
}

func (m *Mapper) acquireChannel(index int, s *Stream) bool {
	m.searchIndex = index + 1
	if m.channelMap[index] == nil {
		m.channelMap[index] = s
		return true
	}
	return false
}

func (m *Mapper) releaseChannel(index int, s *Stream) bool {
	if m.channelMap[index] == s {
		if m.searchIndex > index {
			m.searchIndex = index
		}
		m.channelMap[index] = nil
		return true
	}
	return false
}

// findStream returns the next free stream slot, reusing a released one if
// the table is already at capacity.
func (m *Mapper) findStream() *Stream {
	if m.streamCount < StreamCountMax {
		s := &m.streams[m.streamCount]
		*s = Stream{Device: -1, Channel: -1}
		m.streamCount++
		return s
	}
	for i := m.streamCount - 1; i >= 0; i-- {
		s := &m.streams[i]
		if !s.inUse() {
			*s = Stream{Device: -1, Channel: -1}
			return s
		}
	}
	return nil
}

// Lookup returns the stream bound to a channel id, or nil.
func (m *Mapper) Lookup(channel int) *Stream {
	if channel < ChidMin || channel > ChidMax {
		return nil
	}
	return m.channelMap[channel]
}

// Feed parses a mapper verb line (support, describe, o, x, sync) and
// dispatches it, returning stage.Refuse for anything it does not
// recognize (ctl included) so sibling stages in the pipeline get a turn.
func (m *Mapper) Feed(data []byte) stage.Result {
	buf := append([]byte(nil), data...)
	args := argv.Parse(buf)
	if len(args) == 0 {
		return stage.Refuse
	}
	switch {
	case args[0].HasText("support"), args[0].HasText("describe"):
		return m.handleDescribe(args)
	case args[0].HasText("o"):
		return m.handleOpen(args)
	case args[0].HasText("x"):
		return m.handleClose(args)
	case args[0].HasText("sync"):
		if len(args) == 1 {
			return stage.Fail
		}
		return stage.NoRequest
	default:
		return stage.Refuse
	}
}

// handleDescribe answers "support"/"describe": with no further argument it
// lists every registered device, one ]s+ line each; with a device name it
// lists just that one, or reports NoRequest if no such device exists.
func (m *Mapper) handleDescribe(args []argv.Arg) stage.Result {
	if len(args) == 1 {
		for i := 0; i < m.deviceCount; i++ {
			m.emitSupportEvent(&m.devices[i], stage.EnableTag)
		}
		return stage.Okay
	}
	if len(args) == 2 {
		idx := m.findDeviceIndex(args[1].Text())
		if idx < 0 {
			return stage.NoRequest
		}
		m.emitSupportEvent(&m.devices[idx], stage.EnableTag)
		return stage.Okay
	}
	return stage.NoRequest
}

func (m *Mapper) handleOpen(args []argv.Arg) stage.Result {
	if len(args) < 3 {
		return stage.NoRequest
	}
	channel := args[1].GetHexInt()
	if channel == 0 && (args[1].HasText("*") || args[1].HasText("0")) {
		channel = m.findChannel()
		if channel == ChidNone {
			return stage.Fail
		}
	}
	if channel < ChidMin || channel > ChidMax {
		return stage.BadRequest
	}
	deviceIndex := m.findDeviceIndex(args[2].Text())
	if deviceIndex < 0 {
		return stage.NoRequest
	}
	device := &m.devices[deviceIndex]
	if device.Type == DeviceTypeNone {
		return stage.Fail
	}
	if device.InstanceLimit > 0 && device.InstanceCount >= device.InstanceLimit {
		return stage.Fail
	}
	s := m.findStream()
	if s == nil {
		return stage.Fail
	}
	if !m.acquireChannel(channel, s) {
		return stage.Fail
	}
	s.Type = device.Type
	s.Device = deviceIndex
	s.Channel = channel
	s.Flags = device.Flags

	var result stage.Result = stage.Fail
	if device.Opener != nil {
		result = device.Opener.OpenStream(s, device, args[3:])
	}
	if result == stage.Okay {
		m.emitChannelEvent(s, device, stage.EnableTag)
		if device.InstanceLimit > 0 {
			device.InstanceCount++
			if device.InstanceCount >= device.InstanceLimit {
				m.emitSupportEvent(device, stage.DisableTag)
			}
		}
	} else {
		s.Type = DeviceTypeNone
		m.releaseChannel(channel, s)
	}
	return result
}

func (m *Mapper) handleClose(args []argv.Arg) stage.Result {
	if len(args) != 2 {
		return stage.NoRequest
	}
	channel := args[1].GetHexInt()
	if channel < ChidMin || channel > ChidMax {
		return stage.BadRequest
	}
	s := m.channelMap[channel]
	if s == nil {
		return stage.NoRequest
	}
	if s.Type == DeviceTypeNone {
		m.emitOkay()
		return stage.Okay
	}
	device := &m.devices[s.Device]
	if device.Opener != nil {
		device.Opener.CloseStream(s)
	}
	m.emitChannelEvent(s, device, stage.DisableTag)
	wasAtLimit := device.InstanceLimit > 0 && device.InstanceCount == device.InstanceLimit
	m.releaseChannel(channel, s)
	s.Type = DeviceTypeNone
	s.Device = -1
	s.Channel = -1
	s.Flags = StreamFlagNone
	if wasAtLimit {
		m.emitSupportEvent(device, stage.EnableTag)
	}
	if device.InstanceLimit > 0 && device.InstanceCount > 0 {
		device.InstanceCount--
	}
	m.compactStreams()
	return stage.Okay
}

// compactStreams folds the trailing run of unused stream slots, mirroring
// the original's fold-while-possible cleanup after a close.
func (m *Mapper) compactStreams() {
	for m.streamCount > 0 && !m.streams[m.streamCount-1].inUse() {
		m.streamCount--
	}
}
