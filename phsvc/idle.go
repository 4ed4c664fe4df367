package phsvc

import (
	"context"
	"time"
)

// WaitIdle returns nil once the server has had no clients for timeout. A
// client connecting during the wait restarts it from the next standby.
func (s *Server) WaitIdle(ctx context.Context, timeout time.Duration) error {
	for {
		if err := s.standby.Wait(ctx); err != nil {
			return err
		}
		cancelled := s.cancel.Done()

		timer := time.NewTimer(timeout)
		select {
		case <-timer.C:
			if s.Clients() == 0 {
				return nil
			}
		case <-cancelled:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
