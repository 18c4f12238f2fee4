package gvcp

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/go-aravis/aravis"
)

// DiscoveryAckSize is the size of a discovery acknowledge payload: the
// first 248 bytes of the bootstrap register block.
const DiscoveryAckSize = 248

// DeviceInfo describes one discovered camera.
type DeviceInfo struct {
	MAC          net.HardwareAddr
	IP           net.IP
	Subnet       net.IP
	Gateway      net.IP
	Manufacturer string
	Model        string
	Version      string
	Serial       string
	UserName     string
}

// ID returns the stable identifier used to open the device:
// vendor-model-serial when a serial is available, the MAC otherwise.
func (i *DeviceInfo) ID() string {
	if i.Serial != "" {
		return fmt.Sprintf("%s-%s-%s", i.Manufacturer, i.Model, i.Serial)
	}
	return i.MAC.String()
}

// ParseDiscoveryAck decodes the bootstrap block carried by a discovery
// acknowledge.
func ParseDiscoveryAck(payload []byte) (*DeviceInfo, error) {
	if len(payload) < DiscoveryAckSize {
		return nil, fmt.Errorf("%w: discovery ack payload is %d bytes, want %d",
			aravis.ErrProtocol, len(payload), DiscoveryAckSize)
	}
	mac := make(net.HardwareAddr, 6)
	copy(mac[0:2], payload[BootstrapMACHigh+2:BootstrapMACHigh+4])
	copy(mac[2:6], payload[BootstrapMACLow:BootstrapMACLow+4])

	info := &DeviceInfo{
		MAC:          mac,
		IP:           net.IP(bytes.Clone(payload[BootstrapCurrentIP : BootstrapCurrentIP+4])),
		Subnet:       net.IP(bytes.Clone(payload[BootstrapCurrentSubnet : BootstrapCurrentSubnet+4])),
		Gateway:      net.IP(bytes.Clone(payload[BootstrapCurrentGateway : BootstrapCurrentGateway+4])),
		Manufacturer: cString(payload[BootstrapManufacturerName : BootstrapManufacturerName+BootstrapNameSize]),
		Model:        cString(payload[BootstrapModelName : BootstrapModelName+BootstrapNameSize]),
		Version:      cString(payload[BootstrapDeviceVersion : BootstrapDeviceVersion+BootstrapNameSize]),
		Serial:       cString(payload[BootstrapSerialNumber : BootstrapSerialNumber+BootstrapSerialSize]),
		UserName:     cString(payload[BootstrapUserDefinedName : BootstrapUserDefinedName+BootstrapUserNameSize]),
	}
	return info, nil
}

// SerializeDiscoveryAckPayload renders a bootstrap block for the given
// device info; used by the fake camera and tests.
func SerializeDiscoveryAckPayload(info *DeviceInfo) []byte {
	payload := make([]byte, DiscoveryAckSize)
	if len(info.MAC) == 6 {
		copy(payload[BootstrapMACHigh+2:BootstrapMACHigh+4], info.MAC[0:2])
		copy(payload[BootstrapMACLow:BootstrapMACLow+4], info.MAC[2:6])
	}
	if ip4 := info.IP.To4(); ip4 != nil {
		copy(payload[BootstrapCurrentIP:BootstrapCurrentIP+4], ip4)
	}
	if sn4 := info.Subnet.To4(); sn4 != nil {
		copy(payload[BootstrapCurrentSubnet:BootstrapCurrentSubnet+4], sn4)
	}
	if gw4 := info.Gateway.To4(); gw4 != nil {
		copy(payload[BootstrapCurrentGateway:BootstrapCurrentGateway+4], gw4)
	}
	copy(payload[BootstrapManufacturerName:BootstrapManufacturerName+BootstrapNameSize], info.Manufacturer)
	copy(payload[BootstrapModelName:BootstrapModelName+BootstrapNameSize], info.Model)
	copy(payload[BootstrapDeviceVersion:BootstrapDeviceVersion+BootstrapNameSize], info.Version)
	copy(payload[BootstrapSerialNumber:BootstrapSerialNumber+BootstrapSerialSize], info.Serial)
	copy(payload[BootstrapUserDefinedName:BootstrapUserDefinedName+BootstrapUserNameSize], info.UserName)
	return payload
}

// Discover broadcasts a discovery command on every IPv4 interface and
// collects acknowledges until the context expires or the timeout
// elapses.
func Discover(ctx context.Context, timeout time.Duration, logger *zap.Logger) ([]*DeviceInfo, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("gvcp discovery: %w", err)
	}
	defer conn.Close()
	if rc, err := conn.SyscallConn(); err == nil {
		rc.Control(func(fd uintptr) {
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		})
	}

	pkt := SerializeCommand(CmdDiscovery, FlagAckRequired, 1, nil)
	for _, dst := range broadcastAddrs() {
		if _, err := conn.WriteToUDP(pkt, &net.UDPAddr{IP: dst, Port: Port}); err != nil {
			logger.Debug("gvcp discovery send failed",
				zap.String("dst", dst.String()), zap.Error(err))
		}
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var (
		found []*DeviceInfo
		seen  = map[string]bool{}
		buf   [2048]byte
	)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return found, err
		}
		n, from, err := conn.ReadFromUDP(buf[:])
		if err != nil {
			// The window closing is the normal exit.
			return found, nil
		}
		ack, err := ParseAck(buf[:n])
		if err != nil || ack.Command != AckDiscovery {
			continue
		}
		info, err := ParseDiscoveryAck(ack.Payload)
		if err != nil {
			logger.Debug("gvcp malformed discovery ack",
				zap.String("from", from.String()), zap.Error(err))
			continue
		}
		if info.IP == nil || info.IP.IsUnspecified() {
			info.IP = from.IP
		}
		if seen[info.ID()] {
			continue
		}
		seen[info.ID()] = true
		found = append(found, info)
		logger.Debug("gvcp device discovered",
			zap.String("model", info.Model),
			zap.String("ip", info.IP.String()))
	}
}

// broadcastAddrs returns the directed broadcast address of every up,
// broadcast-capable IPv4 interface, falling back to the limited
// broadcast address.
func broadcastAddrs() []net.IP {
	var out []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return []net.IP{net.IPv4bcast}
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			bcast := make(net.IP, 4)
			for i := range bcast {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			out = append(out, bcast)
		}
	}
	if len(out) == 0 {
		out = append(out, net.IPv4bcast)
	}
	return out
}

// cString trims a fixed-size NUL padded register field.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
