package shard

import (
	"context"
	"errors"
	"fmt"

	"personal/gatewayshard/src/compress"
	"personal/gatewayshard/src/opcodes"
	"personal/gatewayshard/src/transport"
)

// ErrFatalClose is wrapped into the error Run returns when a shard sees an
// irrecoverable Discord close code.
var ErrFatalClose = errors.New("shard: fatal close code, not reconnecting")

// Run owns the reconnect loop (C5): connect, read until disconnect, tear
// down and rebuild the zlib context, reconnect — forever, until ctx is
// cancelled or a fatal close code is observed.
func (s *Shard) Run(ctx context.Context) error {
	s.runCtx = ctx

	for {
		if s.cfg.Compressed {
			s.inflater = compress.New()
			s.lastInflaterTotal = 0
		}

		if err := s.transport.Connect(ctx); err != nil {
			s.logger.Error("shard: could not connect", "shard", s.cfg.ID, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			continue
		}

		s.logger.Info("shard: connected", "shard", s.cfg.ID)

		readErr := s.transport.ReadLoop(ctx, s.HandleFrame)

		_ = s.transport.Close(1000)
		s.ready.Store(false)
		_ = s.outbound.Clear(context.Background())

		if s.inflater != nil {
			_ = s.inflater.Close()
			s.inflater = nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if code, fatal := fatalCloseCode(readErr); fatal {
			s.logger.Error("shard: fatal close code, giving up",
				"shard", s.cfg.ID, "code", code, "reason", opcodes.Describe(code))
			return fmt.Errorf("%w: %d %s", ErrFatalClose, code, opcodes.Describe(code))
		}

		s.logger.Warn("shard: disconnected, reconnecting", "shard", s.cfg.ID, "error", readErr)
	}
}

// fatalCloseCode extracts a transport.CloseError from the read-loop error
// chain and reports whether that code is in the irrecoverable set.
func fatalCloseCode(err error) (int, bool) {
	var ce *transport.CloseError
	if !errors.As(err, &ce) {
		return 0, false
	}
	return ce.Code, opcodes.Fatal[ce.Code]
}
