package mediaserver

import (
	"context"
	"time"

	"go2tv.app/castkeeper/internal/domain"
	xlog "go2tv.app/castkeeper/internal/log"
)

func (s *Server) runSweeper(ctx context.Context) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.opts.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep moves silent sessions to idle-grace and tears down the ones silent for
// longer than ExpireAfter.
func (s *Server) sweep() {
	now := s.now()
	var expired []*session

	s.mu.Lock()
	for _, sess := range s.sessions {
		silence := now.Sub(sess.info.LastActivityAt)
		switch {
		case s.opts.ExpireAfter > 0 && silence >= s.opts.ExpireAfter:
			s.detachLocked(sess)
			expired = append(expired, sess)
		case s.opts.IdleGrace > 0 && silence >= s.opts.IdleGrace && sess.info.Status == domain.SessionActive:
			sess.info.Status = domain.SessionIdleGrace
			s.logger.Debug().
				Str(xlog.FieldEvent, "session.idle").
				Str(xlog.FieldSessionID, sess.info.ID).
				Str(xlog.FieldDevice, sess.info.DeviceName).
				Dur("silence", silence).
				Msg("serving session idle")
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		s.teardown(sess, "expired")
	}
}
