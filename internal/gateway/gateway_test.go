package gateway

import (
	"testing"

	"github.com/emcnet/emc-core/internal/stage"
)

type recordingTx struct {
	writes [][]byte
}

func (r *recordingTx) Transmit(data []byte) (int, error) {
	cp := append([]byte(nil), data...)
	r.writes = append(r.writes, cp)
	return len(data), nil
}

type fakeOwner struct {
	role  int
	posts []struct {
		code int
		arg  any
	}
	fed      [][]byte
	feedResp stage.Result
	sent     [][]byte
	protoUps []string
}

func (f *fakeOwner) Role() int { return f.role }
func (f *fakeOwner) Post(code int, arg any) stage.Result {
	f.posts = append(f.posts, struct {
		code int
		arg  any
	}{code, arg})
	return stage.Okay
}
func (f *fakeOwner) Feed(data []byte) stage.Result {
	f.fed = append(f.fed, append([]byte(nil), data...))
	return f.feedResp
}
func (f *fakeOwner) Send(data []byte) stage.Result {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return stage.Okay
}
func (f *fakeOwner) ProtoUp(name, info string, mtu int) {
	f.protoUps = append(f.protoUps, name)
}

func TestSendInfo(t *testing.T) {
	tx := &recordingTx{}
	cfg := DefaultConfig()
	cfg.Name = "test-host"
	cfg.Info = "bench"
	cfg.ArchEndian = "x86_64_le"
	cfg.MTU = 255
	g := New(cfg, tx)
	g.SendInfo()
	if len(tx.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(tx.writes))
	}
	want := "]i emc 1.0 test-host bench x86_64_le FF\n"
	if string(tx.writes[0]) != want {
		t.Fatalf("SendInfo wire = %q, want %q", tx.writes[0], want)
	}
}

func TestIngestDispatchesInfoRequest(t *testing.T) {
	tx := &recordingTx{}
	g := New(DefaultConfig(), tx)
	g.Ingest([]byte("?i\n"))
	if len(tx.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(tx.writes))
	}
}

func TestIngestForwardsUnknownRequest(t *testing.T) {
	tx := &recordingTx{}
	g := New(DefaultConfig(), tx)
	owner := &fakeOwner{role: 2, feedResp: stage.NoRequest}
	g.Attach(owner)
	g.Ingest([]byte("?support\n"))
	if len(owner.fed) != 1 || string(owner.fed[0]) != "support" {
		t.Fatalf("owner.fed = %v, want one call with \"support\"", owner.fed)
	}
}

func TestIngestOkayFeedDoesNotAutoAcknowledge(t *testing.T) {
	tx := &recordingTx{}
	g := New(DefaultConfig(), tx)
	owner := &fakeOwner{role: 2, feedResp: stage.Okay}
	g.Attach(owner)
	g.Ingest([]byte("?o 1 dev\n"))
	if len(tx.writes) != 0 {
		t.Fatalf("writes = %v, want none: the stage that handled the request answers for itself via Send", tx.writes)
	}
}

func TestIngestErrorFeedSendsError(t *testing.T) {
	tx := &recordingTx{}
	g := New(DefaultConfig(), tx)
	owner := &fakeOwner{role: 2, feedResp: stage.BadRequest}
	g.Attach(owner)
	g.Ingest([]byte("?o 1 dev\n"))
	if len(tx.writes) != 1 || tx.writes[0][1] != ResponseError {
		t.Fatalf("writes = %v, want one ResponseError line", tx.writes)
	}
}

func TestIngestBufferedAcrossCalls(t *testing.T) {
	tx := &recordingTx{}
	g := New(DefaultConfig(), tx)
	g.Ingest([]byte("?i"))
	if len(tx.writes) != 0 {
		t.Fatalf("writes = %d before newline, want 0", len(tx.writes))
	}
	g.Ingest([]byte("\n"))
	if len(tx.writes) != 1 {
		t.Fatalf("writes = %d after newline, want 1", len(tx.writes))
	}
}

func TestSyncTripDeclaresUnhealthy(t *testing.T) {
	tx := &recordingTx{}
	cfg := DefaultConfig()
	cfg.TripTime = 1
	g := New(cfg, tx)
	owner := &fakeOwner{role: 2}
	g.Attach(owner)
	g.Resume(owner)
	g.Sync(2)
	if g.Healthy() {
		t.Fatalf("Healthy() = true after trip interval elapsed")
	}
	found := false
	for _, p := range owner.posts {
		if p.code == stage.EventHup {
			found = true
		}
	}
	if !found {
		t.Fatalf("owner.posts = %v, want EventHup", owner.posts)
	}
}

func TestIngestDispatchesZeroLengthPacket(t *testing.T) {
	tx := &recordingTx{}
	g := New(DefaultConfig(), tx)
	owner := &fakeOwner{role: 2}
	g.Attach(owner)
	g.Ingest([]byte("\xfa000"))
	if len(owner.posts) != 1 {
		t.Fatalf("owner.posts = %v, want one EventPacket", owner.posts)
	}
	pkt, ok := owner.posts[0].arg.(*stage.Packet)
	if !ok || owner.posts[0].code != stage.EventPacket {
		t.Fatalf("posts[0] = %+v, want an EventPacket carrying *stage.Packet", owner.posts[0])
	}
	if pkt.Channel != 5 || len(pkt.Body) != 0 {
		t.Fatalf("packet = channel %d body %q, want channel 5 empty body", pkt.Channel, pkt.Body)
	}
}

func TestSendPacketRoundTripsThroughExtractOne(t *testing.T) {
	tx := &recordingTx{}
	g := New(DefaultConfig(), tx)
	g.SendPacket(5, []byte("hi"))
	if len(tx.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(tx.writes))
	}
	out := tx.writes[0]

	rx := New(DefaultConfig(), &recordingTx{})
	owner := &fakeOwner{role: 2}
	rx.Attach(owner)
	rx.Ingest(out)
	if len(owner.posts) != 1 {
		t.Fatalf("owner.posts = %v, want one EventPacket", owner.posts)
	}
	pkt := owner.posts[0].arg.(*stage.Packet)
	if pkt.Channel != 5 {
		t.Fatalf("channel = %d, want 5", pkt.Channel)
	}
	if string(pkt.Body[:2]) != "hi" {
		t.Fatalf("body = %q, want to start with \"hi\"", pkt.Body)
	}
}

func TestJoinSendsInfoAndSupportBurstForHostRole(t *testing.T) {
	tx := &recordingTx{}
	g := New(DefaultConfig(), tx)
	owner := &fakeOwner{role: 1, feedResp: stage.Okay} // reactor.RoleHost
	g.Attach(owner)
	g.Join()
	if len(tx.writes) != 1 || tx.writes[0][1] != ResponseInfo {
		t.Fatalf("writes = %v, want one info line", tx.writes)
	}
	if len(owner.fed) != 1 || string(owner.fed[0]) != "support" {
		t.Fatalf("owner.fed = %v, want one \"support\" feed", owner.fed)
	}
}

func TestJoinIsSilentForUserRole(t *testing.T) {
	tx := &recordingTx{}
	g := New(DefaultConfig(), tx)
	owner := &fakeOwner{role: 2} // reactor.RoleUser
	g.Attach(owner)
	g.Join()
	if len(tx.writes) != 0 || len(owner.fed) != 0 {
		t.Fatalf("writes=%v fed=%v, want none for user role", tx.writes, owner.fed)
	}
}

func TestHandleSyncRepeatsBurstForHostRole(t *testing.T) {
	tx := &recordingTx{}
	g := New(DefaultConfig(), tx)
	owner := &fakeOwner{role: 1, feedResp: stage.Okay}
	g.Attach(owner)
	g.Ingest([]byte("@\n"))
	if len(tx.writes) != 1 || tx.writes[0][1] != ResponseInfo {
		t.Fatalf("writes = %v, want one info line from the sync burst", tx.writes)
	}
}

func TestInfoResponseFlipsHealthyAndFiresProtoUp(t *testing.T) {
	tx := &recordingTx{}
	g := New(DefaultConfig(), tx)
	owner := &fakeOwner{role: 2}
	g.Attach(owner)
	g.Ingest([]byte("]i emc 1.0 peer-host generic x86_64_le FF\n"))
	if !g.Healthy() {
		t.Fatalf("Healthy() = false after an info response")
	}
	if len(owner.protoUps) != 1 || owner.protoUps[0] != "peer-host" {
		t.Fatalf("owner.protoUps = %v, want one ProtoUp for peer-host", owner.protoUps)
	}
	if g.remoteName != "peer-host" || g.remoteInfo != "generic" || g.remoteMTU != 0xff {
		t.Fatalf("remote state = %q/%q/%d", g.remoteName, g.remoteInfo, g.remoteMTU)
	}
}

func TestGatewaySendTransmitsMapperOriginatedLine(t *testing.T) {
	tx := &recordingTx{}
	g := New(DefaultConfig(), tx)
	if res := g.Send([]byte("]s+ foo 0201 00")); res != stage.Okay {
		t.Fatalf("Send() = %v, want Okay", res)
	}
	if len(tx.writes) != 1 || string(tx.writes[0]) != "]s+ foo 0201 00\n" {
		t.Fatalf("writes = %q", tx.writes)
	}
}

func TestStealthSuppressesOutput(t *testing.T) {
	tx := &recordingTx{}
	cfg := DefaultConfig()
	cfg.Options |= OptionStealth
	g := New(cfg, tx)
	g.SendInfo()
	if len(tx.writes) != 0 {
		t.Fatalf("writes = %d, want 0 under stealth", len(tx.writes))
	}
}
