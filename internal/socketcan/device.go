//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/can-busoff-sim/internal/can"
)

// Device is a raw CAN socket bound to one interface (typically vcan0).
type Device struct {
	fd int
}

func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// marshalFrame lays out struct can_frame (linux/can.h) in host order
// (little-endian on every supported target):
//
//	can_id  u32 [0:4]  (EFF/RTR/ERR flags included)
//	can_dlc u8  [4]
//	pad     3B  [5:8]
//	data    8B  [8:16]
func marshalFrame(fr can.Frame) [unix.CAN_MTU]byte {
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Payload())
	return buf
}

// WriteFrame writes one classic CAN frame to the raw CAN socket.
func (d *Device) WriteFrame(fr can.Frame) error {
	buf := marshalFrame(fr)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
