package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Magic is exchanged by both peers before any frame flows.
const Magic = "CANNELLONIv1"

var ErrBadMagic = errors.New("cannelloni: bad hello")

// Handshake writes and reads the hello concurrently so neither side has to
// go first.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	errCh := make(chan error, 2)
	go func() {
		_, err := io.WriteString(c, Magic)
		errCh <- err
	}()
	go func() {
		buf := make([]byte, len(Magic))
		_, err := io.ReadFull(c, buf)
		if err == nil && string(buf) != Magic {
			err = ErrBadMagic
		}
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
		}
	}
	return nil
}
