//go:build !linux

package socketcan

import "errors"

// ErrUnsupported is returned on platforms without AF_CAN.
var ErrUnsupported = errors.New("socketcan: unsupported platform")
