package service

import (
	"time"

	"github.com/soma-tiles/tileview/internal/logging"
)

// Start starts the cleanup ticker that closes idle views and expires old
// sessions.
func (s *ViewService) Start() {
	s.wg.Add(1)
	go s.cleaner()
}

// Stop stops the cleanup ticker.
func (s *ViewService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
}

func (s *ViewService) cleaner() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.cleanup(now)
		}
	}
}

func (s *ViewService) cleanup(now time.Time) {
	log := logging.L()
	cutoff := now.Add(-s.cfg.IdleTimeout)

	s.mu.RLock()
	var idle []*View
	for _, v := range s.views {
		if v.idleSince().Before(cutoff) {
			idle = append(idle, v)
		}
	}
	s.mu.RUnlock()

	for _, v := range idle {
		log.Info("[ViewService] closing idle view", "view", v.ID, "idle_since", v.idleSince())
		s.closeView(v)
	}

	if s.store == nil {
		return
	}
	n, err := s.store.DeleteExpiredSessions(s.cfg.SessionRetentionDays)
	if err != nil {
		log.Warn("[ViewService] failed to expire sessions", "error", err)
	} else if n > 0 {
		log.Info("[ViewService] expired sessions", "count", n)
	}
}
