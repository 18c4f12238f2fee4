package genicam

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-aravis/aravis"
)

// address computes the register address: the sum of literal Address
// children, referenced pAddress features and an optional indexed offset.
// Struct entries inherit the address of their owning StructReg.
func (n *Node) address() (uint64, error) {
	var addr int64
	found := false
	for _, el := range n.el.ChildrenByTag("Address") {
		v, err := parseIntText(el.Text)
		if err != nil {
			return 0, fmt.Errorf("%w: Address of %q: %v", aravis.ErrParse, n.name, err)
		}
		addr += v
		found = true
	}
	for _, el := range n.el.ChildrenByTag("pAddress") {
		ref, err := n.doc.Node(trim(el.Text))
		if err != nil {
			return 0, err
		}
		v, err := ref.IntValue()
		if err != nil {
			return 0, err
		}
		addr += v
		found = true
	}
	if el := n.el.Child("pIndex"); el != nil {
		ref, err := n.doc.Node(trim(el.Text))
		if err != nil {
			return 0, err
		}
		index, err := ref.IntValue()
		if err != nil {
			return 0, err
		}
		offset, err := n.indexOffset(el.Attr("Offset"), el.Attr("pOffset"))
		if err != nil {
			return 0, err
		}
		addr += index * offset
		found = true
	}
	if !found && n.kind == KindStructEntry && n.parent != nil {
		return n.parent.address()
	}
	return uint64(addr), nil
}

// indexOffset resolves the per-index stride of a pIndex access; the
// register length is the stride when none is declared.
func (n *Node) indexOffset(literal, ref string) (int64, error) {
	if literal != "" {
		return parseIntText(literal)
	}
	if ref != "" {
		r, err := n.doc.Node(ref)
		if err != nil {
			return 0, err
		}
		return r.IntValue()
	}
	return n.length()
}

// length returns the register length in bytes, 4 when unspecified.
func (n *Node) length() (int64, error) {
	if n.kind == KindStructEntry && n.parent != nil &&
		n.el.Child("Length") == nil && n.el.Child("pLength") == nil {
		return n.parent.length()
	}
	return n.intProp("Length", "pLength", 4)
}

// portFor returns the bound Port implementation for this register.
func (n *Node) portFor() (Port, error) {
	name := n.el.ChildText("pPort")
	if name == "" && n.kind == KindStructEntry && n.parent != nil {
		name = n.parent.el.ChildText("pPort")
	}
	if name == "" {
		return nil, fmt.Errorf("%w: register %q has no pPort", aravis.ErrParse, n.name)
	}
	return n.doc.port(name)
}

func (n *Node) endianness() binary.ByteOrder {
	s := n.el.ChildText("Endianess")
	if s == "" && n.parent != nil && n.kind == KindStructEntry {
		s = n.parent.el.ChildText("Endianess")
	}
	if s == "BigEndian" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (n *Node) signed() bool {
	return n.el.ChildText("Sign") == "Signed"
}

// GetRegister reads the raw register bytes, honoring the cache policy,
// the invalidator set and the selector fingerprint.
func (n *Node) GetRegister() ([]byte, error) {
	length, err := n.length()
	if err != nil {
		return nil, err
	}
	fp, fpOK := n.doc.selectorFingerprint(n.name)
	addr, err := n.address()
	if err != nil {
		return nil, err
	}

	// The address is part of the cache key: indexed and pAddress
	// registers move when their selectors do.
	if n.cachePolicy != CacheNone && fpOK && n.cacheValid &&
		n.cacheFingerprint == fp && n.cacheAddr == addr &&
		int64(len(n.cacheData)) == length && !n.cacheStale() {
		out := make([]byte, length)
		copy(out, n.cacheData)
		return out, nil
	}
	port, err := n.portFor()
	if err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if err := port.Read(addr, data); err != nil {
		return nil, fmt.Errorf("read register %q @0x%x: %w", n.name, addr, err)
	}
	if n.cachePolicy != CacheNone && fpOK {
		n.storeCache(data, fp, addr)
	}
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}

// SetRegister writes raw register bytes and applies write-through or
// write-around cache semantics, then fires this feature's invalidators.
func (n *Node) SetRegister(data []byte) error {
	length, err := n.length()
	if err != nil {
		return err
	}
	if int64(len(data)) != length {
		return fmt.Errorf("%w: register %q expects %d bytes, got %d",
			aravis.ErrInvalidArgument, n.name, length, len(data))
	}
	addr, err := n.address()
	if err != nil {
		return err
	}
	port, err := n.portFor()
	if err != nil {
		return err
	}
	if err := port.Write(addr, data); err != nil {
		return fmt.Errorf("write register %q @0x%x: %w", n.name, addr, err)
	}

	switch n.cachePolicy {
	case CacheWriteThrough:
		if fp, ok := n.doc.selectorFingerprint(n.name); ok {
			n.storeCache(data, fp, addr)
		} else {
			n.cacheValid = false
		}
	case CacheWriteAround:
		n.cacheValid = false
	}
	n.doc.fireInvalidators(n.name)
	return nil
}

func (n *Node) storeCache(data []byte, fp string, addr uint64) {
	n.cacheData = make([]byte, len(data))
	copy(n.cacheData, data)
	n.cacheFingerprint = fp
	n.cacheAddr = addr
	n.cacheValid = true
	n.cacheTime = time.Now()
}

func (n *Node) cacheStale() bool {
	return n.pollingTime > 0 && time.Since(n.cacheTime) > n.pollingTime
}

// registerInt reads the register and decodes it as an integer, applying
// endianness, sign and, for masked registers, the LSB/MSB window.
func (n *Node) registerInt() (int64, error) {
	data, err := n.GetRegister()
	if err != nil {
		return 0, err
	}
	raw := decodeUint(data, n.endianness())
	bits := uint(len(data)) * 8

	switch n.kind {
	case KindMaskedIntReg, KindStructEntry:
		lsb, msb, err := n.maskBits(bits)
		if err != nil {
			return 0, err
		}
		width := msb - lsb + 1
		raw = raw >> lsb & (1<<width - 1)
		bits = width
	}
	if n.signed() && bits < 64 && raw&(1<<(bits-1)) != 0 {
		return int64(raw | ^uint64(0)<<bits), nil
	}
	return int64(raw), nil
}

// setRegisterInt encodes the value and writes it. Masked registers
// read-modify-write the untouched bits around the window.
func (n *Node) setRegisterInt(v int64) error {
	length, err := n.length()
	if err != nil {
		return err
	}
	order := n.endianness()

	switch n.kind {
	case KindMaskedIntReg, KindStructEntry:
		lsb, msb, err := n.maskBits(uint(length) * 8)
		if err != nil {
			return err
		}
		current, err := n.readForModify()
		if err != nil {
			return err
		}
		raw := decodeUint(current, order)
		width := msb - lsb + 1
		mask := uint64(1<<width-1) << lsb
		raw = raw&^mask | uint64(v)<<lsb&mask
		data := make([]byte, length)
		encodeUint(data, raw, order)
		return n.SetRegister(data)
	}

	data := make([]byte, length)
	encodeUint(data, uint64(v), order)
	return n.SetRegister(data)
}

// readForModify fetches the surrounding register bytes for a masked
// write, bypassing access checks but honoring the cache.
func (n *Node) readForModify() ([]byte, error) {
	data, err := n.GetRegister()
	if err == nil {
		return data, nil
	}
	// A write-only masked register cannot be read back; modify zeros.
	length, lerr := n.length()
	if lerr != nil {
		return nil, lerr
	}
	return make([]byte, length), nil
}

// maskBits returns the LSB and MSB of the masked window. A single Bit
// child selects one bit; without any mask the whole register is used.
func (n *Node) maskBits(regBits uint) (lsb, msb uint, err error) {
	if s := n.el.ChildText("Bit"); s != "" {
		b, err := parseIntText(s)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: Bit of %q: %v", aravis.ErrParse, n.name, err)
		}
		return uint(b), uint(b), nil
	}
	lsbText := n.el.ChildText("LSB")
	msbText := n.el.ChildText("MSB")
	if lsbText == "" && msbText == "" {
		return 0, regBits - 1, nil
	}
	var l, m int64 = 0, int64(regBits - 1)
	if lsbText != "" {
		if l, err = parseIntText(lsbText); err != nil {
			return 0, 0, fmt.Errorf("%w: LSB of %q: %v", aravis.ErrParse, n.name, err)
		}
	}
	if msbText != "" {
		if m, err = parseIntText(msbText); err != nil {
			return 0, 0, fmt.Errorf("%w: MSB of %q: %v", aravis.ErrParse, n.name, err)
		}
	}
	if m < l {
		l, m = m, l
	}
	return uint(l), uint(m), nil
}

func (n *Node) registerIntMin() (int64, error) {
	if s := n.el.ChildText("Min"); s != "" || n.el.Child("pMin") != nil {
		return n.intProp("Min", "pMin", minInt64)
	}
	length, err := n.length()
	if err != nil {
		return 0, err
	}
	bits := uint(length) * 8
	if bits > 64 {
		bits = 64
	}
	if n.signed() {
		return -1 << (bits - 1), nil
	}
	return 0, nil
}

func (n *Node) registerIntMax() (int64, error) {
	if s := n.el.ChildText("Max"); s != "" || n.el.Child("pMax") != nil {
		return n.intProp("Max", "pMax", maxInt64)
	}
	length, err := n.length()
	if err != nil {
		return 0, err
	}
	bits := uint(length) * 8
	if bits >= 64 {
		if n.signed() {
			return maxInt64, nil
		}
		return maxInt64, nil
	}
	if n.signed() {
		return 1<<(bits-1) - 1, nil
	}
	return 1<<bits - 1, nil
}

// decodeUint reads up to 8 bytes in the given order; longer registers
// keep the least significant 8 bytes.
func decodeUint(data []byte, order binary.ByteOrder) uint64 {
	buf := data
	if len(buf) > 8 {
		if order == binary.BigEndian {
			buf = buf[len(buf)-8:]
		} else {
			buf = buf[:8]
		}
	}
	var raw uint64
	if order == binary.BigEndian {
		for _, b := range buf {
			raw = raw<<8 | uint64(b)
		}
	} else {
		for i := len(buf) - 1; i >= 0; i-- {
			raw = raw<<8 | uint64(buf[i])
		}
	}
	return raw
}

func encodeUint(data []byte, v uint64, order binary.ByteOrder) {
	if order == binary.BigEndian {
		for i := len(data) - 1; i >= 0; i-- {
			data[i] = byte(v)
			v >>= 8
		}
	} else {
		for i := 0; i < len(data); i++ {
			data[i] = byte(v)
			v >>= 8
		}
	}
}

// registerFloat decodes the register as an IEEE 754 float of the
// register's size (4 or 8 bytes).
func (n *Node) registerFloat() (float64, error) {
	data, err := n.GetRegister()
	if err != nil {
		return 0, err
	}
	return decodeFloat(data, n.endianness(), n.name)
}

func (n *Node) setRegisterFloat(v float64) error {
	length, err := n.length()
	if err != nil {
		return err
	}
	data := make([]byte, length)
	if err := encodeFloat(data, v, n.endianness(), n.name); err != nil {
		return err
	}
	return n.SetRegister(data)
}

// registerString reads the register and trims trailing NULs.
func (n *Node) registerString() (string, error) {
	data, err := n.GetRegister()
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(data, "\x00")), nil
}

func (n *Node) setRegisterString(s string) error {
	length, err := n.length()
	if err != nil {
		return err
	}
	if int64(len(s)) > length {
		return fmt.Errorf("%w: string %q longer than register %q (%d bytes)",
			aravis.ErrOutOfRange, s, n.name, length)
	}
	data := make([]byte, length)
	copy(data, s)
	return n.SetRegister(data)
}

func trim(s string) string {
	return strings.TrimSpace(s)
}

// decodeFloat interprets 4 or 8 register bytes as an IEEE 754 float.
func decodeFloat(data []byte, order binary.ByteOrder, name string) (float64, error) {
	switch len(data) {
	case 4:
		return float64(math.Float32frombits(uint32(decodeUint(data, order)))), nil
	case 8:
		return math.Float64frombits(decodeUint(data, order)), nil
	}
	return 0, fmt.Errorf("%w: float register %q has length %d, want 4 or 8",
		aravis.ErrParse, name, len(data))
}

func encodeFloat(data []byte, v float64, order binary.ByteOrder, name string) error {
	switch len(data) {
	case 4:
		encodeUint(data, uint64(math.Float32bits(float32(v))), order)
		return nil
	case 8:
		encodeUint(data, math.Float64bits(v), order)
		return nil
	}
	return fmt.Errorf("%w: float register %q has length %d, want 4 or 8",
		aravis.ErrParse, name, len(data))
}
