package device

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/genicam"
	"github.com/go-aravis/aravis/stream"
)

func TestFakeDeviceDocument(t *testing.T) {
	dev, err := NewFakeDevice()
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	doc := dev.Document()
	if doc.ModelName() != "FakeCamera" {
		t.Errorf("model = %q", doc.ModelName())
	}
	major, _ := doc.SchemaVersion()
	if major != 1 {
		t.Errorf("schema major = %d", major)
	}
}

func TestAcquisitionStartWritesRegister(t *testing.T) {
	dev, err := NewFakeDevice()
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	var gotAddr atomic.Uint64
	var gotValue atomic.Uint32
	dev.WriteHook = func(address uint64, data []byte) {
		if address == FakeRegAcquisitionStart {
			gotAddr.Store(address)
			gotValue.Store(binary.BigEndian.Uint32(data))
		}
	}

	start, err := dev.Document().Node("AcquisitionStart")
	if err != nil {
		t.Fatal(err)
	}
	if start.Kind() != genicam.KindCommand {
		t.Fatalf("AcquisitionStart kind = %v, want Command", start.Kind())
	}
	if err := start.Execute(); err != nil {
		t.Fatal(err)
	}
	if gotAddr.Load() != FakeRegAcquisitionStart {
		t.Errorf("written address = 0x%x, want 0x%x", gotAddr.Load(), uint64(FakeRegAcquisitionStart))
	}
	if gotValue.Load() != 1 {
		t.Errorf("written value = %d, want 1", gotValue.Load())
	}
}

func TestFakeDeviceFeatureAccess(t *testing.T) {
	dev, err := NewFakeDevice()
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	doc := dev.Document()

	width, err := doc.Node("Width")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := width.IntValue(); v != 512 {
		t.Errorf("default width = %d, want 512", v)
	}
	if err := width.SetIntValue(1024); err != nil {
		t.Fatal(err)
	}
	if v, _ := dev.ReadRegister(FakeRegWidth); v != 1024 {
		t.Errorf("width register = %d, want 1024", v)
	}

	pixfmt, err := doc.Node("PixelFormat")
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := pixfmt.StringValue(); s != "Mono8" {
		t.Errorf("default pixel format = %q, want Mono8", s)
	}

	payload, err := doc.Node("PayloadSize")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := payload.IntValue(); v != 1024*512 {
		t.Errorf("payload size = %d, want %d", v, 1024*512)
	}
}

func TestFakeDeviceGainBanks(t *testing.T) {
	dev, err := NewFakeDevice()
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	doc := dev.Document()

	sel, _ := doc.Node("GainSelector")
	gain, _ := doc.Node("Gain")

	if err := sel.SetStringValue("Red"); err != nil {
		t.Fatal(err)
	}
	if err := gain.SetIntValue(111); err != nil {
		t.Fatal(err)
	}
	if err := sel.SetStringValue("Blue"); err != nil {
		t.Fatal(err)
	}
	if err := gain.SetIntValue(333); err != nil {
		t.Fatal(err)
	}

	if err := sel.SetStringValue("Red"); err != nil {
		t.Fatal(err)
	}
	if v, _ := gain.IntValue(); v != 111 {
		t.Errorf("red gain = %d, want 111", v)
	}
	if err := sel.SetStringValue("Blue"); err != nil {
		t.Fatal(err)
	}
	if v, _ := gain.IntValue(); v != 333 {
		t.Errorf("blue gain = %d, want 333", v)
	}
}

func TestFakeDeviceControlLost(t *testing.T) {
	dev, err := NewFakeDevice()
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	dev.LoseControl()
	select {
	case <-dev.ControlLost():
	default:
		t.Fatal("control lost channel not closed")
	}
	if _, err := dev.ReadRegister(FakeRegWidth); !errors.Is(err, aravis.ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
	if err := dev.WriteRegister(FakeRegWidth, 1); !errors.Is(err, aravis.ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}

func TestFakeDeviceStreaming(t *testing.T) {
	dev, err := NewFakeDevice(WithFramePeriod(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	s, err := dev.CreateStream()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		s.PushBuffer(stream.NewBuffer(512 * 512))
	}

	start, _ := dev.Document().Node("AcquisitionStart")
	if err := start.Execute(); err != nil {
		t.Fatal(err)
	}

	buf, err := s.PopBuffer(time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if buf.Status != stream.StatusSuccess {
		t.Fatalf("status = %v", buf.Status)
	}
	if buf.Width != 512 || buf.Height != 512 {
		t.Errorf("geometry = %dx%d", buf.Width, buf.Height)
	}
	if buf.Size != 512*512 {
		t.Errorf("size = %d", buf.Size)
	}

	stop, _ := dev.Document().Node("AcquisitionStop")
	if err := stop.Execute(); err != nil {
		t.Fatal(err)
	}
}

func TestHeartbeatRecovers(t *testing.T) {
	var beats atomic.Int32
	var lost atomic.Bool

	// Two failures, then success: the counter must reset, never firing
	// the control-lost callback.
	hb := StartHeartbeat(context.Background(), time.Millisecond,
		func() error {
			n := beats.Add(1)
			if n <= 2 {
				return errors.New("nack")
			}
			return nil
		},
		func() { lost.Store(true) },
		nil)
	defer hb.Stop()

	deadline := time.After(time.Second)
	for beats.Load() < 6 {
		select {
		case <-deadline:
			t.Fatal("heartbeat did not run")
		case <-time.After(time.Millisecond):
		}
	}
	if lost.Load() {
		t.Error("control lost despite recovery")
	}
}

func TestHeartbeatThreeStrikes(t *testing.T) {
	var beats atomic.Int32
	lostCh := make(chan struct{})

	hb := StartHeartbeat(context.Background(), time.Millisecond,
		func() error {
			beats.Add(1)
			return errors.New("nack")
		},
		func() { close(lostCh) },
		nil)
	defer hb.Stop()

	select {
	case <-lostCh:
	case <-time.After(time.Second):
		t.Fatal("control lost never fired")
	}
	if beats.Load() != 3 {
		t.Errorf("beats before loss = %d, want 3", beats.Load())
	}
}

// stubInterface is a canned discovery backend.
type stubInterface struct {
	protocol string
	infos    []Info
	opened   []string
	dev      Device
	err      error
}

func (s *stubInterface) Protocol() string { return s.protocol }

func (s *stubInterface) UpdateDeviceList(ctx context.Context) ([]Info, error) {
	return s.infos, s.err
}

func (s *stubInterface) OpenDevice(ctx context.Context, id string) (Device, error) {
	s.opened = append(s.opened, id)
	return s.dev, nil
}

func TestRegistryAggregation(t *testing.T) {
	fakeDev, err := NewFakeDevice()
	if err != nil {
		t.Fatal(err)
	}
	defer fakeDev.Close()

	good := &stubInterface{
		protocol: "Fake",
		infos:    []Info{{ID: "cam-1", Protocol: "Fake", Model: "One"}},
		dev:      fakeDev,
	}
	broken := &stubInterface{
		protocol: "Broken",
		err:      errors.New("no transport"),
	}

	r := NewRegistry()
	r.Register(good)
	r.Register(broken)

	infos, err := r.UpdateDeviceList(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].ID != "cam-1" {
		t.Fatalf("infos = %+v", infos)
	}

	dev, err := r.OpenDevice(context.Background(), "cam-1")
	if err != nil {
		t.Fatal(err)
	}
	if dev != Device(fakeDev) {
		t.Error("wrong device returned")
	}
	if len(good.opened) != 1 || good.opened[0] != "cam-1" {
		t.Errorf("opened = %v", good.opened)
	}

	if _, err := r.OpenDevice(context.Background(), "nope"); !errors.Is(err, aravis.ErrUnknownFeature) {
		t.Errorf("unknown id: error = %v", err)
	}
}

func TestRegistryOpenFirst(t *testing.T) {
	fakeDev, err := NewFakeDevice()
	if err != nil {
		t.Fatal(err)
	}
	defer fakeDev.Close()

	iface := &stubInterface{
		protocol: "Fake",
		infos:    []Info{{ID: "cam-1", Protocol: "Fake"}},
		dev:      fakeDev,
	}
	r := NewRegistry()
	r.Register(iface)

	if _, err := r.OpenDevice(context.Background(), ""); err != nil {
		t.Fatalf("open first: %v", err)
	}
}
