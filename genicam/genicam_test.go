package genicam_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/genicam"
)

// memPort is an in-memory register space counting every access.
type memPort struct {
	mem    [0x1000]byte
	reads  int
	writes []portWrite
}

type portWrite struct {
	addr uint64
	data []byte
}

func (p *memPort) Read(address uint64, data []byte) error {
	if address+uint64(len(data)) > uint64(len(p.mem)) {
		return fmt.Errorf("%w: read 0x%x", aravis.ErrInvalidArgument, address)
	}
	p.reads++
	copy(data, p.mem[address:])
	return nil
}

func (p *memPort) Write(address uint64, data []byte) error {
	if address+uint64(len(data)) > uint64(len(p.mem)) {
		return fmt.Errorf("%w: write 0x%x", aravis.ErrInvalidArgument, address)
	}
	p.writes = append(p.writes, portWrite{address, append([]byte(nil), data...)})
	copy(p.mem[address:], data)
	return nil
}

func (p *memPort) setU32(addr uint64, v uint32) {
	binary.BigEndian.PutUint32(p.mem[addr:], v)
}

func (p *memPort) u32(addr uint64) uint32 {
	return binary.BigEndian.Uint32(p.mem[addr:])
}

const testXML = `<?xml version="1.0"?>
<RegisterDescription ModelName="TestCam" VendorName="Test" SchemaMajorVersion="1" SchemaMinorVersion="0">
  <Integer Name="Width">
    <Min>16</Min>
    <Max>2048</Max>
    <Inc>4</Inc>
    <pValue>WidthReg</pValue>
  </Integer>
  <IntReg Name="WidthReg">
    <Address>0x100</Address>
    <Length>4</Length>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <Integer Name="Height">
    <Min>16</Min>
    <Max>2048</Max>
    <pValue>HeightReg</pValue>
  </Integer>
  <IntReg Name="HeightReg">
    <Address>0x104</Address>
    <Length>4</Length>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <IntSwissKnife Name="PayloadSize">
    <pVariable Name="W">Width</pVariable>
    <pVariable Name="H">Height</pVariable>
    <Formula>W * H</Formula>
  </IntSwissKnife>
  <IntReg Name="Temperature">
    <Address>0x110</Address>
    <Length>4</Length>
    <AccessMode>RO</AccessMode>
    <pPort>Device</pPort>
    <pInvalidator>TemperatureReset</pInvalidator>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <IntReg Name="TemperatureReset">
    <Address>0x114</Address>
    <Length>4</Length>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <Enumeration Name="GainSelector">
    <EnumEntry Name="Red">
      <Value>0</Value>
    </EnumEntry>
    <EnumEntry Name="Green">
      <Value>1</Value>
    </EnumEntry>
    <EnumEntry Name="Blue">
      <Value>2</Value>
    </EnumEntry>
    <pValue>GainSelectorReg</pValue>
    <pSelected>Gain</pSelected>
  </Enumeration>
  <IntReg Name="GainSelectorReg">
    <Address>0x118</Address>
    <Length>4</Length>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <Integer Name="Gain">
    <Min>0</Min>
    <Max>1023</Max>
    <pValue>GainReg</pValue>
  </Integer>
  <IntReg Name="GainReg">
    <Address>0x120</Address>
    <pAddress>GainBankOffset</pAddress>
    <Length>4</Length>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <IntSwissKnife Name="GainBankOffset">
    <pVariable Name="SEL">GainSelector</pVariable>
    <Formula>SEL * 4</Formula>
  </IntSwissKnife>
  <IntConverter Name="ExposureTime">
    <FormulaTo>TO * 2</FormulaTo>
    <FormulaFrom>FROM / 2</FormulaFrom>
    <pValue>ExposureReg</pValue>
  </IntConverter>
  <IntReg Name="ExposureReg">
    <Address>0x130</Address>
    <Length>4</Length>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <MaskedIntReg Name="TriggerEnable">
    <Address>0x140</Address>
    <Length>4</Length>
    <LSB>4</LSB>
    <MSB>7</MSB>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </MaskedIntReg>
  <StringReg Name="UserID">
    <Address>0x200</Address>
    <Length>16</Length>
    <pPort>Device</pPort>
  </StringReg>
  <IntReg Name="SecretReg">
    <Address>0x150</Address>
    <Length>4</Length>
    <AccessMode>WO</AccessMode>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <Command Name="AcquisitionStart">
    <pValue>AcquisitionStartReg</pValue>
    <CommandValue>1</CommandValue>
  </Command>
  <IntReg Name="AcquisitionStartReg">
    <Address>0x160</Address>
    <Length>4</Length>
    <Cachable>NoCache</Cachable>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <Boolean Name="ReverseX">
    <pValue>ReverseXReg</pValue>
  </Boolean>
  <IntReg Name="ReverseXReg">
    <Address>0x170</Address>
    <Length>4</Length>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <Port Name="Device">
  </Port>
</RegisterDescription>`

func newTestDoc(t *testing.T, opts ...genicam.Option) (*genicam.Document, *memPort) {
	t.Helper()
	doc, err := genicam.Parse([]byte(testXML), opts...)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	port := &memPort{}
	doc.RegisterPort("Device", port)
	return doc, port
}

func node(t *testing.T, doc *genicam.Document, name string) *genicam.Node {
	t.Helper()
	n, err := doc.Node(name)
	if err != nil {
		t.Fatalf("node %q: %v", name, err)
	}
	return n
}

func TestDocumentAttributes(t *testing.T) {
	doc, _ := newTestDoc(t)
	if doc.ModelName() != "TestCam" {
		t.Errorf("model = %q", doc.ModelName())
	}
	major, _ := doc.SchemaVersion()
	if major != 1 {
		t.Errorf("schema major = %d", major)
	}
	if _, err := doc.Node("NoSuchFeature"); !errors.Is(err, aravis.ErrUnknownFeature) {
		t.Errorf("unknown node error = %v", err)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	doc, port := newTestDoc(t)
	width := node(t, doc, "Width")

	if err := width.SetIntValue(640); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := port.u32(0x100); got != 640 {
		t.Fatalf("register value = %d, want 640", got)
	}
	v, err := width.IntValue()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != 640 {
		t.Errorf("read back = %d, want 640", v)
	}
}

func TestWriteThroughCache(t *testing.T) {
	doc, port := newTestDoc(t)
	width := node(t, doc, "Width")

	port.setU32(0x100, 320)
	if v, _ := width.IntValue(); v != 320 {
		t.Fatalf("first read = %d", v)
	}
	readsAfterFirst := port.reads
	if v, _ := width.IntValue(); v != 320 {
		t.Fatalf("second read = %d", v)
	}
	if port.reads != readsAfterFirst {
		t.Errorf("second read hit the port (%d reads)", port.reads)
	}

	// Write-through keeps the cache warm.
	if err := width.SetIntValue(400); err != nil {
		t.Fatal(err)
	}
	readsAfterWrite := port.reads
	if v, _ := width.IntValue(); v != 400 {
		t.Fatalf("read after write = %d", v)
	}
	if port.reads != readsAfterWrite {
		t.Errorf("write-through read hit the port")
	}
}

func TestInvalidatorDiscardsCache(t *testing.T) {
	doc, port := newTestDoc(t)
	temp := node(t, doc, "Temperature")
	reset := node(t, doc, "TemperatureReset")

	port.setU32(0x110, 55)
	if v, _ := temp.IntValue(); v != 55 {
		t.Fatalf("first read = %d", v)
	}

	// The port value changes behind the cache's back.
	port.setU32(0x110, 20)
	if v, _ := temp.IntValue(); v != 55 {
		t.Fatalf("cached read = %d, want stale 55", v)
	}

	// Writing the invalidator forces a fresh fetch.
	if err := reset.SetIntValue(1); err != nil {
		t.Fatal(err)
	}
	if v, _ := temp.IntValue(); v != 20 {
		t.Errorf("read after invalidation = %d, want 20", v)
	}
}

func TestSelectorConsistency(t *testing.T) {
	doc, port := newTestDoc(t)
	sel := node(t, doc, "GainSelector")
	gain := node(t, doc, "Gain")

	// Three gain banks behind one feature.
	port.setU32(0x120, 100) // Red
	port.setU32(0x124, 200) // Green
	port.setU32(0x128, 300) // Blue

	for _, visit := range [][]struct {
		name string
		want int64
	}{
		{{"Red", 100}, {"Green", 200}, {"Blue", 300}},
		{{"Blue", 300}, {"Red", 100}, {"Green", 200}},
		{{"Green", 200}, {"Green", 200}, {"Red", 100}},
	} {
		for _, step := range visit {
			if err := sel.SetStringValue(step.name); err != nil {
				t.Fatalf("select %s: %v", step.name, err)
			}
			v, err := gain.IntValue()
			if err != nil {
				t.Fatalf("gain under %s: %v", step.name, err)
			}
			if v != step.want {
				t.Errorf("gain under %s = %d, want %d", step.name, v, step.want)
			}
		}
	}
}

func TestConverterFormulas(t *testing.T) {
	doc, port := newTestDoc(t)
	exposure := node(t, doc, "ExposureTime")

	// FormulaFrom maps feature to device, FormulaTo maps device back.
	if err := exposure.SetIntValue(2000); err != nil {
		t.Fatal(err)
	}
	if got := port.u32(0x130); got != 1000 {
		t.Fatalf("device value = %d, want 1000", got)
	}
	v, err := exposure.IntValue()
	if err != nil {
		t.Fatal(err)
	}
	if v != 2000 {
		t.Errorf("feature value = %d, want 2000", v)
	}
}

func TestSwissKnife(t *testing.T) {
	doc, port := newTestDoc(t)
	port.setU32(0x100, 640)
	port.setU32(0x104, 480)

	payload := node(t, doc, "PayloadSize")
	v, err := payload.IntValue()
	if err != nil {
		t.Fatal(err)
	}
	if v != 640*480 {
		t.Errorf("payload size = %d, want %d", v, 640*480)
	}
	if err := payload.SetIntValue(1); !errors.Is(err, aravis.ErrAccessDenied) {
		t.Errorf("writing a swiss knife: error = %v, want ErrAccessDenied", err)
	}
}

func TestMaskedRegister(t *testing.T) {
	doc, port := newTestDoc(t)
	trig := node(t, doc, "TriggerEnable")

	port.setU32(0x140, 0xffffff0f)
	if err := trig.SetIntValue(0xa); err != nil {
		t.Fatal(err)
	}
	// Only bits 4..7 move; the rest of the register is preserved.
	if got := port.u32(0x140); got != 0xffffffaf {
		t.Fatalf("register = 0x%x, want 0xffffffaf", got)
	}
	v, err := trig.IntValue()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xa {
		t.Errorf("masked value = %d, want 10", v)
	}
}

func TestStringRegister(t *testing.T) {
	doc, port := newTestDoc(t)
	user := node(t, doc, "UserID")

	if err := user.SetStringValue("lab-cam-7"); err != nil {
		t.Fatal(err)
	}
	if got := string(port.mem[0x200:0x209]); got != "lab-cam-7" {
		t.Fatalf("register bytes = %q", got)
	}
	s, err := user.StringValue()
	if err != nil {
		t.Fatal(err)
	}
	if s != "lab-cam-7" {
		t.Errorf("string value = %q", s)
	}
	if err := user.SetStringValue("this value is much too long"); !errors.Is(err, aravis.ErrOutOfRange) {
		t.Errorf("oversized string: error = %v, want ErrOutOfRange", err)
	}
}

func TestAccessModes(t *testing.T) {
	doc, _ := newTestDoc(t)
	secret := node(t, doc, "SecretReg")
	temp := node(t, doc, "Temperature")

	if _, err := secret.IntValue(); !errors.Is(err, aravis.ErrAccessDenied) {
		t.Errorf("reading WO: error = %v, want ErrAccessDenied", err)
	}
	if err := temp.SetIntValue(1); !errors.Is(err, aravis.ErrAccessDenied) {
		t.Errorf("writing RO: error = %v, want ErrAccessDenied", err)
	}
}

func TestRangePolicy(t *testing.T) {
	doc, _ := newTestDoc(t)
	width := node(t, doc, "Width")
	if err := width.SetIntValue(5000); !errors.Is(err, aravis.ErrOutOfRange) {
		t.Errorf("strict out-of-range: error = %v, want ErrOutOfRange", err)
	}

	relaxed, port := newTestDoc(t, genicam.WithRelaxedRangeCheck())
	w := node(t, relaxed, "Width")
	if err := w.SetIntValue(5000); err != nil {
		t.Fatalf("relaxed out-of-range: %v", err)
	}
	if got := port.u32(0x100); got != 2048 {
		t.Errorf("clamped value = %d, want 2048", got)
	}
	if err := w.SetIntValue(1); err != nil {
		t.Fatalf("relaxed below min: %v", err)
	}
	if got := port.u32(0x100); got != 16 {
		t.Errorf("clamped value = %d, want 16", got)
	}
}

func TestEnumeration(t *testing.T) {
	doc, port := newTestDoc(t)
	sel := node(t, doc, "GainSelector")

	if err := sel.SetStringValue("Blue"); err != nil {
		t.Fatal(err)
	}
	if got := port.u32(0x118); got != 2 {
		t.Fatalf("selector register = %d, want 2", got)
	}
	s, err := sel.StringValue()
	if err != nil {
		t.Fatal(err)
	}
	if s != "Blue" {
		t.Errorf("entry name = %q, want Blue", s)
	}
	if err := sel.SetStringValue("Purple"); !errors.Is(err, aravis.ErrUnknownFeature) {
		t.Errorf("unknown entry: error = %v, want ErrUnknownFeature", err)
	}
	if err := sel.SetIntValue(7); !errors.Is(err, aravis.ErrOutOfRange) {
		t.Errorf("unknown value: error = %v, want ErrOutOfRange", err)
	}
	names := sel.EntryNames()
	if len(names) != 3 || names[0] != "Red" {
		t.Errorf("entry names = %v", names)
	}
}

func TestCommandExecute(t *testing.T) {
	doc, port := newTestDoc(t)
	start := node(t, doc, "AcquisitionStart")

	if err := start.Execute(); err != nil {
		t.Fatal(err)
	}
	if len(port.writes) == 0 {
		t.Fatal("command produced no write")
	}
	last := port.writes[len(port.writes)-1]
	if last.addr != 0x160 {
		t.Errorf("command wrote 0x%x, want 0x160", last.addr)
	}
	if binary.BigEndian.Uint32(last.data) != 1 {
		t.Errorf("command value = %d, want 1", binary.BigEndian.Uint32(last.data))
	}
}

func TestBoolean(t *testing.T) {
	doc, port := newTestDoc(t)
	rev := node(t, doc, "ReverseX")

	if err := rev.SetBoolValue(true); err != nil {
		t.Fatal(err)
	}
	if got := port.u32(0x170); got != 1 {
		t.Fatalf("register = %d, want 1", got)
	}
	b, err := rev.BoolValue()
	if err != nil {
		t.Fatal(err)
	}
	if !b {
		t.Error("value = false, want true")
	}
}

func TestValueAsString(t *testing.T) {
	doc, port := newTestDoc(t)
	port.setU32(0x100, 800)

	width := node(t, doc, "Width")
	s, err := width.ValueAsString()
	if err != nil {
		t.Fatal(err)
	}
	if s != "800" {
		t.Errorf("string rendition = %q, want 800", s)
	}
	if err := width.SetValueFromString("1024"); err != nil {
		t.Fatal(err)
	}
	if got := port.u32(0x100); got != 1024 {
		t.Errorf("register = %d, want 1024", got)
	}
	if err := width.SetValueFromString("wat"); !errors.Is(err, aravis.ErrInvalidArgument) {
		t.Errorf("bad literal: error = %v, want ErrInvalidArgument", err)
	}
}
