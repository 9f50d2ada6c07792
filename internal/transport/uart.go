package transport

import (
	"bytes"
	"fmt"
	"io"

	"github.com/emcnet/emc-core/internal/codec"
	"github.com/emcnet/emc-core/internal/stage"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/pgzip"
)

// Format selects the one wire encoding a uart-style transport stage applies
// to a packet body: none, the core base16/base64 text codec, or flate/gzip
// compression. The formats are alternatives, not layers: flate and gzip
// output is binary and is not further text-encoded. Flate and gzip are
// enrichments beyond the original's base16/base64 pair, useful
// when the byte bus is cheap per-byte but expensive per-packet (e.g. a
// slow serial link carrying large mapper stream payloads).
type Format int

const (
	FormatNone Format = iota
	FormatBase16
	FormatBase64
	FormatFlate
	FormatGzip
)

// Encode renders src in the given wire format.
func Encode(format Format, src []byte) ([]byte, error) {
	switch format {
	case FormatNone:
		return src, nil
	case FormatBase16:
		dst := make([]byte, codec.Base16EncodedLen(len(src)))
		codec.Base16Encode(dst, src)
		return dst, nil
	case FormatBase64:
		dst := make([]byte, codec.Base64EncodedLen(len(src)))
		codec.Base64Encode(dst, src)
		return dst, nil
	case FormatFlate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatGzip:
		var buf bytes.Buffer
		w, err := pgzip.NewWriterLevel(&buf, pgzip.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return src, nil
	}
}

// ParseFormat maps a config string to a Format.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "", "none":
		return FormatNone, nil
	case "base16":
		return FormatBase16, nil
	case "base64":
		return FormatBase64, nil
	case "flate":
		return FormatFlate, nil
	case "gzip":
		return FormatGzip, nil
	default:
		return FormatNone, fmt.Errorf("transport: unknown format %q", name)
	}
}

// Stage is a thin pipeline participant placed between the gateway and a
// text-only transport: it encodes a packet's body on the way out and
// decodes it on the way back in, for a byte bus that cannot carry raw
// binary (or one where compressing large packet bodies is worth the CPU).
// It does this by intercepting stage.EventPacket, which the gateway posts
// with the same *stage.Packet pointer to every attached stage in kind
// order — a Stage positioned in the auth band (between the gateway's gate
// kind and the mapper's core kind) observes the packet before the mapper
// does on the inbound path, and after the gateway posts it but before the
// gateway frames it on the outbound path.
type Stage struct {
	stage.Base
	Format Format
}

// NewStage constructs a transport codec stage for the given format,
// positioned in the auth Kind band.
func NewStage(format Format) *Stage {
	s := &Stage{Format: format}
	s.StageKind = stage.KindAuthMin
	return s
}

// Post implements stage.Stage: on stage.EventPacket it encodes (outbound)
// or decodes (inbound) the packet body in place. FormatNone, matching the
// original's uninstrumented default, leaves the body untouched.
func (s *Stage) Post(code int, arg any) stage.Result {
	if code != stage.EventPacket || s.Format == FormatNone {
		return stage.Okay
	}
	pkt, ok := arg.(*stage.Packet)
	if !ok {
		return stage.Okay
	}
	var (
		out []byte
		err error
	)
	if pkt.Outbound {
		out, err = Encode(s.Format, pkt.Body)
	} else {
		out, err = Decode(s.Format, pkt.Body)
	}
	if err != nil {
		return stage.Fail
	}
	pkt.Body = out
	return stage.Okay
}

// Decode reverses Encode for the given wire format.
func Decode(format Format, src []byte) ([]byte, error) {
	switch format {
	case FormatNone:
		return src, nil
	case FormatBase16:
		dst := make([]byte, codec.Base16DecodedLen(len(src)))
		n := codec.Base16Decode(dst, src)
		return dst[:n], nil
	case FormatBase64:
		dst := make([]byte, codec.Base64DecodedLen(len(src))+3)
		n := codec.Base64Decode(dst, src)
		return dst[:n], nil
	case FormatFlate:
		r := flate.NewReader(bytes.NewReader(src))
		defer r.Close()
		return io.ReadAll(r)
	case FormatGzip:
		r, err := pgzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return src, nil
	}
}
