package mapper

import "github.com/emcnet/emc-core/internal/stage"

// Support and channel event lines are built directly with append rather
// than through gateway's Value/Put formatter: the mapper has no reason to
// import the gateway package just to emit its own wire lines, and its
// formatting needs (one hex byte, one name, one flag nibble) are simpler
// than a general formatter earns.

const hexDigits = "0123456789abcdef"

func appendHex2(dst []byte, v int) []byte {
	return append(dst, hexDigits[(v>>4)&0xf], hexDigits[v&0xf])
}

// deviceFlagsText renders a device's capability flags as the 4-character
// string mapper.cpp's mpi_send_support_event writes: a reserved leading
// '-', then recv/send/binary as r/w/b or '-'. The original checks
// edf_allow_recv for both the 'r' and 'w' positions, which looks like a
// transcription bug against its own flag names; this reimplementation
// checks edf_allow_send for 'w' instead (see DESIGN.md).
func deviceFlagsText(flags byte) string {
	b := []byte{'-', '-', '-', '-'}
	if flags&DeviceFlagAllowRecv != 0 {
		b[1] = 'r'
	}
	if flags&DeviceFlagAllowSend != 0 {
		b[2] = 'w'
	}
	if flags&DeviceFlagModeBinary != 0 {
		b[3] = 'b'
	}
	return string(b)
}

// emitSupportEvent sends a ]s<tag> line for one device: always the name;
// when tag is EnableTag, also the flags and type, matching
// mpi_send_support_event's "always name, only-if-enable the rest" shape.
func (m *Mapper) emitSupportEvent(device *Device, tag byte) {
	if m.own == nil {
		return
	}
	line := []byte{stage.TagResponse, stage.ResponseSupport, tag, ' '}
	line = append(line, device.Name...)
	if tag == stage.EnableTag {
		line = append(line, ' ')
		line = append(line, deviceFlagsText(device.Flags)...)
		line = append(line, ' ')
		line = appendHex2(line, int(device.Type))
	}
	m.own.Send(line)
}

// emitChannelEvent sends a ]c<tag> line for one stream: always the
// 2-hex-digit channel id; when tag is EnableTag, also the owning device's
// name, flags and type, matching mpi_send_channel_event.
func (m *Mapper) emitChannelEvent(stream *Stream, device *Device, tag byte) {
	if m.own == nil {
		return
	}
	line := []byte{stage.TagResponse, stage.ResponseChannel, tag, ' '}
	line = appendHex2(line, stream.Channel)
	if tag == stage.EnableTag && device != nil {
		line = append(line, ' ')
		line = append(line, device.Name...)
		line = append(line, ' ')
		line = append(line, deviceFlagsText(stream.Flags)...)
		line = append(line, ' ')
		line = appendHex2(line, int(stream.Type))
	}
	m.own.Send(line)
}

// emitOkay sends a bare ]0 acknowledgement for a successful request that
// has no more specific event line of its own to emit.
func (m *Mapper) emitOkay() {
	if m.own == nil {
		return
	}
	m.own.Send([]byte{stage.TagResponse, '0'})
}
