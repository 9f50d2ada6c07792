package mapper

import (
	"testing"

	"github.com/emcnet/emc-core/internal/argv"
	"github.com/emcnet/emc-core/internal/stage"
)

type fakeOpener struct {
	openResult stage.Result
	closed     bool
}

func (f *fakeOpener) OpenStream(s *Stream, d *Device, args []argv.Arg) stage.Result {
	return f.openResult
}
func (f *fakeOpener) CloseStream(s *Stream) stage.Result {
	f.closed = true
	return stage.Okay
}

func TestRegisterAndOpenStream(t *testing.T) {
	m := New()
	opener := &fakeOpener{openResult: stage.Okay}
	if err := m.RegisterDevice("uart", 1, DeviceFlagAllowRecv|DeviceFlagAllowSend, 0, opener); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}

	res := m.Feed([]byte("o 01 uart"))
	if res != stage.Okay {
		t.Fatalf("Feed(open) = %v, want Okay", res)
	}
	s := m.Lookup(1)
	if s == nil || s.Device != 0 {
		t.Fatalf("Lookup(1) = %v", s)
	}
}

func TestOpenAutoChannel(t *testing.T) {
	m := New()
	opener := &fakeOpener{openResult: stage.Okay}
	m.RegisterDevice("uart", 1, 0, 0, opener)
	res := m.Feed([]byte("o * uart"))
	if res != stage.Okay {
		t.Fatalf("Feed(open *) = %v, want Okay", res)
	}
	found := false
	for i := ChidMin; i <= ChidMax; i++ {
		if m.Lookup(i) != nil {
			found = true
		}
	}
	if !found {
		t.Fatalf("no channel bound after auto-open")
	}
}

func TestOpenUnknownDeviceRefused(t *testing.T) {
	m := New()
	res := m.Feed([]byte("o 01 missing"))
	if res != stage.NoRequest {
		t.Fatalf("Feed(open unknown) = %v, want NoRequest", res)
	}
}

func TestCloseReleasesChannel(t *testing.T) {
	m := New()
	opener := &fakeOpener{openResult: stage.Okay}
	m.RegisterDevice("uart", 1, 0, 0, opener)
	m.Feed([]byte("o 05 uart"))
	res := m.Feed([]byte("x 05"))
	if res != stage.Okay {
		t.Fatalf("Feed(close) = %v, want Okay", res)
	}
	if m.Lookup(5) != nil {
		t.Fatalf("Lookup(5) after close = non-nil")
	}
	if !opener.closed {
		t.Fatalf("CloseStream not invoked")
	}
}

func TestInstanceLimitEnforced(t *testing.T) {
	m := New()
	opener := &fakeOpener{openResult: stage.Okay}
	m.RegisterDevice("single", 1, 0, 1, opener)
	if res := m.Feed([]byte("o 01 single")); res != stage.Okay {
		t.Fatalf("first open = %v, want Okay", res)
	}
	if res := m.Feed([]byte("o 02 single")); res != stage.Fail {
		t.Fatalf("second open over instance limit = %v, want Fail", res)
	}
}

func TestFeedUnrecognizedRefuses(t *testing.T) {
	m := New()
	if res := m.Feed([]byte("frobnicate")); res != stage.Refuse {
		t.Fatalf("Feed(unknown verb) = %v, want Refuse", res)
	}
}
