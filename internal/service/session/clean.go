package session

import (
	"context"
	"log"
	"time"
)

const DefaultCleanupInterval = 30 * time.Minute

func (s *Service) StartCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.CleanupExpired(ctx); err != nil {
				log.Printf("cleanup sessions error: %v", err)
			} else if n > 0 {
				log.Printf("cleanup sessions: removed %d expired", n)
			}
		}
	}
}

// CleanupExpired removes every session whose expiry has passed and returns how many were removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := s.expiredIDs(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if s.onExpire != nil {
			s.onExpire(id)
		}
		if err := s.Delete(ctx, id); err != nil {
			log.Printf("delete expired session %s failed: %v", id, err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Service) expiredIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
