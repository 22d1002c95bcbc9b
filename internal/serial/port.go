package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Write(p []byte) (int, error)
	Close() error
}

// Open opens the adapter device. Reads are never issued; the timeout only
// bounds driver-level blocking on close.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
}
