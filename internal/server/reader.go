package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/can-busoff-sim/internal/can"
	"github.com/kstaniek/can-busoff-sim/internal/hub"
	"github.com/kstaniek/can-busoff-sim/internal/metrics"
	"github.com/kstaniek/can-busoff-sim/internal/sim"
	"github.com/kstaniek/can-busoff-sim/internal/transport"
)

// startReader decodes frames written by the client and injects them. On
// exit it closes the client so the paired writer stops too.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client[can.Frame], logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close(); cl.Close() }()
		mfd, multi := s.Codec.(transport.MultiFrameDecoder)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			var (
				count int
				err   error
			)
			if multi {
				count, err = mfd.DecodeN(conn, 16, func(fr can.Frame) { s.inject(fr, logger) })
			} else {
				var fr can.Frame
				if fr, err = s.Codec.Decode(conn); err == nil {
					s.inject(fr, logger)
					count = 1
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				metrics.IncMalformed()
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Warn("tap_read_error", "error", wrap)
				return
			}
			if count == 0 {
				time.Sleep(100 * time.Microsecond)
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

func (s *Server) inject(fr can.Frame, logger *slog.Logger) {
	if s.frameFilter != nil && !s.frameFilter(&fr) {
		return
	}
	metrics.IncTapRx()
	if s.Inject == nil {
		return
	}
	if err := s.Inject(fr); err != nil {
		if errors.Is(err, sim.ErrInjectFull) {
			s.totalInjectDrop.Add(1)
			logger.Debug("inject_overflow_drop", "can_id", fmt.Sprintf("0x%X", fr.ID()), "len", fr.Len)
			return
		}
		wrap := fmt.Errorf("%w: %w", ErrInject, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.totalInjectErr.Add(1)
		s.setError(wrap)
		logger.Error("inject_error", "error", wrap, "can_id", fmt.Sprintf("0x%X", fr.ID()))
	}
}
