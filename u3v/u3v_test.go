package u3v

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/stream"
)

func TestControlCommandRoundTrip(t *testing.T) {
	payload := ReadMemPayload(0x1d0, 8)
	pkt := SerializeCommand(CmdReadMem, FlagRequestAck, 5, payload)

	if pkt[0] != 0x55 || pkt[1] != 0x33 || pkt[2] != 0x56 || pkt[3] != 0x43 {
		t.Errorf("control magic bytes = % x", pkt[:4])
	}

	addr, count, err := ParseReadMem(pkt[12:])
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x1d0 || count != 8 {
		t.Errorf("readmem = (0x%x, %d)", addr, count)
	}
}

func TestControlAckRoundTrip(t *testing.T) {
	ack, err := ParseAck(SerializeAck(StatusSuccess, AckReadMem, 9, []byte{1, 2, 3}))
	if err != nil {
		t.Fatal(err)
	}
	if ack.Status != StatusSuccess || ack.Command != AckReadMem || ack.ID != 9 {
		t.Errorf("ack = %+v", ack)
	}
	if !bytes.Equal(ack.Payload, []byte{1, 2, 3}) {
		t.Errorf("payload = %v", ack.Payload)
	}

	bad := SerializeAck(StatusSuccess, AckReadMem, 9, nil)
	bad[0] = 0xde
	if _, err := ParseAck(bad); !errors.Is(err, aravis.ErrProtocol) {
		t.Errorf("bad magic: error = %v, want ErrProtocol", err)
	}
}

func TestWriteMemPayload(t *testing.T) {
	addr, data, err := ParseWriteMem(WriteMemPayload(0x4000, []byte{9, 8, 7}))
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x4000 || !bytes.Equal(data, []byte{9, 8, 7}) {
		t.Errorf("writemem = (0x%x, %v)", addr, data)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status uint16
		want   error
	}{
		{StatusSuccess, nil},
		{StatusNotSupported, aravis.ErrNotImplemented},
		{StatusInvalidAddr, aravis.ErrInvalidArgument},
		{StatusWriteProtect, aravis.ErrAccessDenied},
		{StatusBusy, aravis.ErrResourceExhausted},
		{StatusTimeoutStatus, aravis.ErrTimeout},
	}
	for _, tc := range tests {
		err := StatusError(tc.status)
		if tc.want == nil {
			if err != nil {
				t.Errorf("status 0x%04x: error = %v", tc.status, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Errorf("status 0x%04x: error = %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestLeaderTrailerRoundTrip(t *testing.T) {
	l := &Leader{
		BlockID:     12,
		PayloadType: 1,
		Timestamp:   99,
		PixelFormat: 0x01080001,
		Width:       1920,
		Height:      1080,
		PayloadSize: 1920 * 1080,
	}
	data := SerializeLeader(l)
	if len(data) != LeaderSize {
		t.Fatalf("leader size = %d, want %d", len(data), LeaderSize)
	}
	if !IsLeader(data) {
		t.Fatal("leader magic not detected")
	}
	got, err := ParseLeader(data)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *l {
		t.Errorf("leader = %+v, want %+v", got, l)
	}

	tr := &Trailer{BlockID: 12, ValidPayloadSize: 1920 * 1080}
	tdata := SerializeTrailer(tr)
	if len(tdata) != TrailerSize {
		t.Fatalf("trailer size = %d", len(tdata))
	}
	if !IsTrailer(tdata) {
		t.Fatal("trailer magic not detected")
	}
	gt, err := ParseTrailer(tdata)
	if err != nil {
		t.Fatal(err)
	}
	if *gt != *tr {
		t.Errorf("trailer = %+v, want %+v", gt, tr)
	}
}

func TestFrameEngineWholeFrame(t *testing.T) {
	input := stream.NewQueue()
	output := stream.NewQueue()
	e := NewFrameEngine(input, output, nil)

	const chunk = 1 << 20
	payload := make([]byte, 8*chunk)
	for i := range payload {
		payload[i] = byte(i >> 12)
	}
	input.Push(stream.NewBuffer(len(payload)))

	e.ProcessTransfer(SerializeLeader(&Leader{
		BlockID:     3,
		PayloadType: 1,
		Width:       4096,
		Height:      2048,
		PayloadSize: uint64(len(payload)),
	}))
	for off := 0; off < len(payload); off += chunk {
		e.ProcessTransfer(payload[off : off+chunk])
	}
	e.ProcessTransfer(SerializeTrailer(&Trailer{BlockID: 3, ValidPayloadSize: uint64(len(payload))}))

	buf := output.TryPop()
	if buf == nil {
		t.Fatal("no buffer on the output queue")
	}
	if buf.Status != stream.StatusSuccess {
		t.Fatalf("status = %v, want success", buf.Status)
	}
	if buf.Size != len(payload) {
		t.Errorf("size = %d, want %d", buf.Size, len(payload))
	}
	if buf.FrameID != 3 {
		t.Errorf("frame id = %d, want 3", buf.FrameID)
	}
	if !bytes.Equal(buf.Data[:buf.Size], payload) {
		t.Error("payload bytes differ")
	}
}

func TestFrameEngineDoubleLeaderAborts(t *testing.T) {
	input := stream.NewQueue()
	output := stream.NewQueue()
	e := NewFrameEngine(input, output, nil)

	input.Push(stream.NewBuffer(1000))
	input.Push(stream.NewBuffer(1000))

	e.ProcessTransfer(SerializeLeader(&Leader{BlockID: 1, PayloadSize: 1000}))
	e.ProcessTransfer(make([]byte, 500))
	// A second leader inside the open frame is a framing error.
	e.ProcessTransfer(SerializeLeader(&Leader{BlockID: 2, PayloadSize: 1000}))

	buf := output.TryPop()
	if buf == nil {
		t.Fatal("aborted frame missing from the output queue")
	}
	if buf.Status != stream.StatusFillingError {
		t.Errorf("status = %v, want filling error", buf.Status)
	}

	// The engine resynchronizes on the new leader.
	payload := bytes.Repeat([]byte{7}, 1000)
	e.ProcessTransfer(payload)
	e.ProcessTransfer(SerializeTrailer(&Trailer{BlockID: 2, ValidPayloadSize: 1000}))

	buf = output.TryPop()
	if buf == nil {
		t.Fatal("second frame missing")
	}
	if buf.Status != stream.StatusSuccess {
		t.Errorf("second frame status = %v", buf.Status)
	}
}

func TestFrameEngineShortFrame(t *testing.T) {
	input := stream.NewQueue()
	output := stream.NewQueue()
	e := NewFrameEngine(input, output, nil)

	input.Push(stream.NewBuffer(1000))
	e.ProcessTransfer(SerializeLeader(&Leader{BlockID: 1, PayloadSize: 1000}))
	e.ProcessTransfer(make([]byte, 400))
	e.ProcessTransfer(SerializeTrailer(&Trailer{BlockID: 1, ValidPayloadSize: 1000}))

	buf := output.TryPop()
	if buf == nil {
		t.Fatal("no buffer on the output queue")
	}
	if buf.Status != stream.StatusSizeMismatch {
		t.Errorf("status = %v, want size mismatch", buf.Status)
	}
}

func TestFrameEngineOversizedLeader(t *testing.T) {
	input := stream.NewQueue()
	output := stream.NewQueue()
	e := NewFrameEngine(input, output, nil)

	input.Push(stream.NewBuffer(100))
	e.ProcessTransfer(SerializeLeader(&Leader{BlockID: 1, PayloadSize: 1000}))

	buf := output.TryPop()
	if buf == nil {
		t.Fatal("no buffer on the output queue")
	}
	if buf.Status != stream.StatusSizeMismatch {
		t.Errorf("status = %v, want size mismatch", buf.Status)
	}
}
