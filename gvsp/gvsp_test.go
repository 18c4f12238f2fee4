package gvsp

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/go-aravis/aravis/stream"
)

func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{
		Status:   0,
		BlockID:  7,
		Format:   FormatPayload,
		PacketID: 0x00a1b2,
		Data:     []byte{1, 2, 3, 4},
	}
	got, err := Parse(Serialize(p))
	if err != nil {
		t.Fatal(err)
	}
	if got.BlockID != 7 || got.Format != FormatPayload || got.PacketID != 0x00a1b2 {
		t.Errorf("parsed = %+v", got)
	}
	if !bytes.Equal(got.Data, p.Data) {
		t.Errorf("data = %v", got.Data)
	}
	if got.Extended {
		t.Error("standard packet parsed as extended")
	}
}

func TestExtendedPacketRoundTrip(t *testing.T) {
	p := &Packet{
		BlockID:  1 << 40,
		Format:   FormatLeader,
		PacketID: 1 << 20,
		Extended: true,
		Data:     SerializeLeader(&Leader{Width: 4, Height: 4}),
	}
	got, err := Parse(Serialize(p))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Extended || got.BlockID != 1<<40 || got.PacketID != 1<<20 {
		t.Errorf("parsed = %+v", got)
	}
}

func TestLeaderTrailerRoundTrip(t *testing.T) {
	l := &Leader{
		PayloadType: PayloadTypeImage,
		Timestamp:   0x0102030405060708,
		PixelFormat: 0x01080001,
		Width:       1400,
		Height:      100,
		OffsetX:     2,
		OffsetY:     4,
	}
	got, err := ParseLeader(SerializeLeader(l))
	if err != nil {
		t.Fatal(err)
	}
	if *got != *l {
		t.Errorf("leader = %+v, want %+v", got, l)
	}

	tr := &Trailer{PayloadType: PayloadTypeImage, PayloadSize: 140000}
	gt, err := ParseTrailer(SerializeTrailer(tr))
	if err != nil {
		t.Fatal(err)
	}
	if *gt != *tr {
		t.Errorf("trailer = %+v, want %+v", gt, tr)
	}
}

// framePackets builds leader + payload packets + trailer for one frame.
func framePackets(blockID uint64, payload []byte, unit int) []*Packet {
	var pkts []*Packet
	pkts = append(pkts, &Packet{
		BlockID: blockID,
		Format:  FormatLeader,
		Data: SerializeLeader(&Leader{
			PayloadType: PayloadTypeImage,
			PixelFormat: 0x01080001,
			Width:       uint32(unit),
			Height:      uint32(len(payload) / unit),
		}),
	})
	id := uint32(1)
	for off := 0; off < len(payload); off += unit {
		end := off + unit
		if end > len(payload) {
			end = len(payload)
		}
		pkts = append(pkts, &Packet{
			BlockID:  blockID,
			Format:   FormatPayload,
			PacketID: id,
			Data:     payload[off:end],
		})
		id++
	}
	pkts = append(pkts, &Packet{
		BlockID:  blockID,
		Format:   FormatTrailer,
		PacketID: id,
		Data:     SerializeTrailer(&Trailer{PayloadType: PayloadTypeImage, PayloadSize: uint64(len(payload))}),
	})
	return pkts
}

func newTestEngine(cfg Config, resend ResendFunc) (*Engine, *stream.Queue, *stream.Queue) {
	input := stream.NewQueue()
	output := stream.NewQueue()
	return NewEngine(cfg, input, output, resend, nil), input, output
}

func TestReassembleInOrder(t *testing.T) {
	e, input, output := newTestEngine(Config{}, nil)
	payload := make([]byte, 140000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	input.Push(stream.NewBuffer(len(payload)))

	now := time.Now()
	for _, p := range framePackets(7, payload, 1400) {
		e.ProcessPacket(p, now)
	}

	buf := output.TryPop()
	if buf == nil {
		t.Fatal("no buffer on the output queue")
	}
	if buf.Status != stream.StatusSuccess {
		t.Fatalf("status = %v, want success", buf.Status)
	}
	if buf.FrameID != 7 {
		t.Errorf("frame id = %d, want 7", buf.FrameID)
	}
	if buf.Size != 140000 {
		t.Errorf("size = %d, want 140000", buf.Size)
	}
	if !bytes.Equal(buf.Data[:buf.Size], payload) {
		t.Error("payload bytes differ")
	}
	if buf.Width != 1400 || buf.Height != 100 {
		t.Errorf("geometry = %dx%d", buf.Width, buf.Height)
	}
}

func TestReassemblePermutation(t *testing.T) {
	e, input, output := newTestEngine(Config{}, nil)
	payload := make([]byte, 50*1000)
	for i := range payload {
		payload[i] = byte(i ^ i>>8)
	}
	input.Push(stream.NewBuffer(len(payload)))

	pkts := framePackets(3, payload, 1000)
	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(len(pkts), func(i, j int) { pkts[i], pkts[j] = pkts[j], pkts[i] })

	now := time.Now()
	for _, p := range pkts {
		e.ProcessPacket(p, now)
	}

	buf := output.TryPop()
	if buf == nil {
		t.Fatal("no buffer on the output queue")
	}
	if buf.Status != stream.StatusSuccess {
		t.Fatalf("status = %v, want success", buf.Status)
	}
	if !bytes.Equal(buf.Data[:buf.Size], payload) {
		t.Error("permuted delivery must still yield ordered bytes")
	}
}

func TestReassembleTrailerFirst(t *testing.T) {
	// The trailer arriving before any payload packet must not wedge the
	// frame: the packet count is settled once the first payload sizes
	// the unit.
	e, input, output := newTestEngine(Config{}, nil)
	payload := make([]byte, 10*250)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	input.Push(stream.NewBuffer(len(payload)))

	pkts := framePackets(9, payload, 250)
	for i, j := 0, len(pkts)-1; i < j; i, j = i+1, j-1 {
		pkts[i], pkts[j] = pkts[j], pkts[i]
	}

	now := time.Now()
	for _, p := range pkts {
		e.ProcessPacket(p, now)
	}

	buf := output.TryPop()
	if buf == nil {
		t.Fatal("no buffer on the output queue")
	}
	if buf.Status != stream.StatusSuccess {
		t.Fatalf("status = %v, want success", buf.Status)
	}
	if !bytes.Equal(buf.Data[:buf.Size], payload) {
		t.Error("payload bytes differ")
	}
}

func TestReassembleConfiguredPacketSize(t *testing.T) {
	// With the negotiated packet size configured, the trailer alone
	// fixes the expected packet count even before any payload arrives.
	e, input, output := newTestEngine(Config{PacketSize: 100}, nil)
	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}
	input.Push(stream.NewBuffer(len(payload)))

	pkts := framePackets(2, payload, 100)
	// Trailer first, then leader, then the payload packets.
	e.ProcessPacket(pkts[len(pkts)-1], time.Now())
	for _, p := range pkts[:len(pkts)-1] {
		e.ProcessPacket(p, time.Now())
	}

	buf := output.TryPop()
	if buf == nil {
		t.Fatal("no buffer on the output queue")
	}
	if buf.Status != stream.StatusSuccess {
		t.Fatalf("status = %v, want success", buf.Status)
	}
	if !bytes.Equal(buf.Data[:buf.Size], payload) {
		t.Error("payload bytes differ")
	}
}

func TestResendRepairsLoss(t *testing.T) {
	var resent []idRange
	e, input, output := newTestEngine(Config{PacketTimeout: 10 * time.Millisecond, FrameRetention: time.Hour},
		func(blockID uint64, first, last uint32) {
			resent = append(resent, idRange{first, last})
		})
	payload := make([]byte, 100*1400)
	for i := range payload {
		payload[i] = byte(i)
	}
	input.Push(stream.NewBuffer(len(payload)))

	pkts := framePackets(1, payload, 1400)
	var dropped *Packet
	now := time.Now()
	for _, p := range pkts {
		if p.Format == FormatPayload && p.PacketID == 42 {
			dropped = p
			continue
		}
		e.ProcessPacket(p, now)
	}
	if output.TryPop() != nil {
		t.Fatal("incomplete frame must not be pushed")
	}

	// The gap stagnates past the packet timeout; one resend goes out.
	e.CheckTimeouts(now.Add(20 * time.Millisecond))
	if len(resent) != 1 || resent[0].first != 42 || resent[0].last != 42 {
		t.Fatalf("resend ranges = %v, want [{42 42}]", resent)
	}

	// The camera answers; the frame completes.
	e.ProcessPacket(dropped, now.Add(25*time.Millisecond))
	buf := output.TryPop()
	if buf == nil {
		t.Fatal("no buffer after resend")
	}
	if buf.Status != stream.StatusSuccess {
		t.Fatalf("status = %v, want success", buf.Status)
	}
	if !bytes.Equal(buf.Data[:buf.Size], payload) {
		t.Error("payload bytes differ after resend repair")
	}
}

func TestResendDisabledMarksMissing(t *testing.T) {
	e, input, output := newTestEngine(Config{PacketRequestRatio: 0, PacketRequestRatioSet: true},
		func(blockID uint64, first, last uint32) {
			t.Error("resend must not be called with ratio 0")
		})
	payload := make([]byte, 10*100)
	for i := range payload {
		payload[i] = 0xee
	}
	input.Push(stream.NewBuffer(len(payload)))

	now := time.Now()
	for _, p := range framePackets(1, payload, 100) {
		if p.Format == FormatPayload && p.PacketID == 4 {
			continue // drop
		}
		e.ProcessPacket(p, now)
	}

	buf := output.TryPop()
	if buf == nil {
		t.Fatal("no buffer on the output queue")
	}
	if buf.Status != stream.StatusMissingPackets {
		t.Fatalf("status = %v, want missing packets", buf.Status)
	}
	// Present packets sit at their correct offsets; the gap is zeroed.
	for i := 0; i < 300; i++ {
		if buf.Data[i] != 0xee {
			t.Fatalf("byte %d = 0x%02x, want 0xee", i, buf.Data[i])
		}
	}
	for i := 300; i < 400; i++ {
		if buf.Data[i] != 0 {
			t.Fatalf("gap byte %d = 0x%02x, want 0", i, buf.Data[i])
		}
	}
	for i := 400; i < 1000; i++ {
		if buf.Data[i] != 0xee {
			t.Fatalf("byte %d = 0x%02x, want 0xee", i, buf.Data[i])
		}
	}
}

func TestSecondMissMarksFrame(t *testing.T) {
	var resends int
	e, input, output := newTestEngine(Config{PacketTimeout: 5 * time.Millisecond, FrameRetention: time.Hour},
		func(blockID uint64, first, last uint32) { resends++ })
	payload := make([]byte, 1000)
	input.Push(stream.NewBuffer(len(payload)))

	now := time.Now()
	for _, p := range framePackets(1, payload, 100) {
		if p.Format == FormatPayload && p.PacketID == 5 {
			continue
		}
		e.ProcessPacket(p, now)
	}

	e.CheckTimeouts(now.Add(10 * time.Millisecond))
	if resends != 1 {
		t.Fatalf("resends = %d, want 1", resends)
	}
	// The same range misses again: the frame is beyond repair.
	e.CheckTimeouts(now.Add(20 * time.Millisecond))
	if resends != 1 {
		t.Fatalf("resends = %d, want still 1 (one request per gap)", resends)
	}
	buf := output.TryPop()
	if buf == nil {
		t.Fatal("no buffer after second miss")
	}
	if buf.Status != stream.StatusMissingPackets {
		t.Errorf("status = %v, want missing packets", buf.Status)
	}
}

func TestFrameRetentionExpiry(t *testing.T) {
	e, input, output := newTestEngine(Config{FrameRetention: 50 * time.Millisecond}, nil)
	payload := make([]byte, 1000)
	input.Push(stream.NewBuffer(len(payload)))

	now := time.Now()
	pkts := framePackets(1, payload, 100)
	// Leader and half the payload; no trailer ever arrives.
	for _, p := range pkts[:6] {
		e.ProcessPacket(p, now)
	}

	e.CheckTimeouts(now.Add(20 * time.Millisecond))
	if output.TryPop() != nil {
		t.Fatal("frame finalized before retention expired")
	}
	e.CheckTimeouts(now.Add(200 * time.Millisecond))
	buf := output.TryPop()
	if buf == nil {
		t.Fatal("no buffer after retention expiry")
	}
	if buf.Status != stream.StatusTimeout {
		t.Errorf("status = %v, want timeout", buf.Status)
	}
}

func TestConcurrentFrames(t *testing.T) {
	e, input, output := newTestEngine(Config{}, nil)
	a := bytes.Repeat([]byte{0xaa}, 500)
	b := bytes.Repeat([]byte{0xbb}, 500)
	input.Push(stream.NewBuffer(500))
	input.Push(stream.NewBuffer(500))

	pa := framePackets(10, a, 100)
	pb := framePackets(11, b, 100)

	// Frame 11 starts before frame 10 completes.
	now := time.Now()
	for i := 0; i < len(pa); i++ {
		e.ProcessPacket(pa[i], now)
		if i < len(pb) {
			e.ProcessPacket(pb[i], now)
		}
	}

	first := output.TryPop()
	second := output.TryPop()
	if first == nil || second == nil {
		t.Fatal("both frames must complete")
	}
	if first.Status != stream.StatusSuccess || second.Status != stream.StatusSuccess {
		t.Fatalf("statuses = %v, %v", first.Status, second.Status)
	}
	got := map[uint64]byte{first.FrameID: first.Data[0], second.FrameID: second.Data[0]}
	if got[10] != 0xaa || got[11] != 0xbb {
		t.Errorf("frames mixed up: %v", got)
	}
}

func TestBlockIDWrap(t *testing.T) {
	e, input, output := newTestEngine(Config{}, nil)
	input.Push(stream.NewBuffer(100))
	input.Push(stream.NewBuffer(100))

	payload := bytes.Repeat([]byte{1}, 100)

	// A frame right below the 16-bit wrap...
	now := time.Now()
	for _, p := range framePackets(0xffff, payload, 100) {
		e.ProcessPacket(p, now)
	}
	// ...then the wrapped successor arriving as raw id 0.
	for _, p := range framePackets(0, payload, 100) {
		e.ProcessPacket(p, now)
	}

	first := output.TryPop()
	second := output.TryPop()
	if first == nil || second == nil {
		t.Fatal("both frames must complete")
	}
	if first.FrameID != 0xffff {
		t.Errorf("first frame id = %d, want 65535", first.FrameID)
	}
	if second.FrameID != 0x10000 {
		t.Errorf("wrapped frame id = %d, want 65536 (extended)", second.FrameID)
	}
}

func TestInputUnderrun(t *testing.T) {
	e, _, output := newTestEngine(Config{}, nil)
	payload := bytes.Repeat([]byte{1}, 100)

	now := time.Now()
	for _, p := range framePackets(1, payload, 100) {
		e.ProcessPacket(p, now)
	}
	if output.TryPop() != nil {
		t.Fatal("underrun frame must not reach the output queue")
	}
	if e.Stats().UnderrunFrames != 1 {
		t.Errorf("underrun count = %d, want 1", e.Stats().UnderrunFrames)
	}
}

func TestFlushAborts(t *testing.T) {
	e, input, output := newTestEngine(Config{}, nil)
	input.Push(stream.NewBuffer(1000))

	now := time.Now()
	pkts := framePackets(1, make([]byte, 1000), 100)
	for _, p := range pkts[:4] {
		e.ProcessPacket(p, now)
	}
	e.Flush(stream.StatusAborted)

	buf := output.TryPop()
	if buf == nil {
		t.Fatal("no buffer after flush")
	}
	if buf.Status != stream.StatusAborted {
		t.Errorf("status = %v, want aborted", buf.Status)
	}
}
