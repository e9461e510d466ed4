package relay

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// dispatch drains the outbox onto the connection in FIFO order. It returns
// when the outbox is closed, ctx is cancelled, or a write fails. A write
// failure tears the session down.
func (s *session) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-s.outbox.Frames():
			if !ok {
				return nil
			}
			if err := s.conn.WriteFrame(frame); err != nil {
				if s.State() >= StateClosing {
					return nil
				}
				err = fmt.Errorf("writing frame: %w", err)
				s.logger.Debug("dispatch write failed", zap.Error(err))
				s.teardown(err)
				return err
			}
		}
	}
}
