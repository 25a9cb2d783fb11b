package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"openbingo/bingo"
	"openbingo/models"
	"openbingo/store"
	"openbingo/utils/logger"
)

func countdownKey(gameID uint) string {
	return fmt.Sprintf("game:%d:countdown", gameID)
}

func joinTimeoutKey(gameID uint) string {
	return fmt.Sprintf("game:%d:join_timeout", gameID)
}

// armJoinTimeout schedules the lonely-game check once per game.
func (s *GameService) armJoinTimeout(gameID uint) {
	key := joinTimeoutKey(gameID)
	armed, err := s.latch.Arm(s.ctx, key)
	if err != nil {
		logger.Errorf("failed to arm join timeout for game %d: %v", gameID, err)
		return
	}
	if !armed {
		return
	}
	logger.Debugf("join timeout armed for game %d (%s)", gameID, s.cfg.JoinTimeout)
	s.schedule(key, s.cfg.JoinTimeout, func() { s.onJoinTimeout(gameID) })
}

// armCountdown moves an open game into its countdown, once per game.
func (s *GameService) armCountdown(gameID uint) {
	key := countdownKey(gameID)
	armed, err := s.latch.Arm(s.ctx, key)
	if err != nil {
		logger.Errorf("failed to arm countdown for game %d: %v", gameID, err)
		return
	}
	if !armed {
		return
	}

	moved := false
	err = s.store.WithGame(s.ctx, gameID, func(tx store.GameTx) error {
		game := tx.Game()
		if game.Status != models.GameStatusOpen {
			return nil
		}
		game.Status = models.GameStatusCountdown
		moved = true
		return nil
	})
	if err != nil {
		logger.Errorf("failed to start countdown for game %d: %v", gameID, err)
		if err := s.latch.Release(s.ctx, key); err != nil {
			logger.Warnf("failed to release countdown latch for game %d: %v", gameID, err)
		}
		return
	}
	if !moved {
		return
	}

	logger.Infof("countdown started for game %d (%s)", gameID, s.cfg.CountdownDuration)
	s.schedule(key, s.cfg.CountdownDuration, func() { s.onCountdown(gameID) })
}

// onJoinTimeout removes a game that is still open with a single player.
func (s *GameService) onJoinTimeout(gameID uint) {
	deleted := false
	err := s.store.WithGame(s.ctx, gameID, func(tx store.GameTx) error {
		game := tx.Game()
		if game.Status != models.GameStatusOpen || len(tx.Players()) >= 2 {
			return nil
		}
		game.Status = models.GameStatusCancelled
		deleted = true
		return tx.Delete()
	})
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Errorf("join timeout check failed for game %d: %v", gameID, err)
		return
	}
	if deleted {
		logger.Infof("game %d removed: no second player joined within %s", gameID, s.cfg.JoinTimeout)
		s.endGame(gameID, true)
	}
}

// onCountdown re-checks the game when its countdown expires. The game may
// have lost players, been deleted or moved on since the timer was set.
func (s *GameService) onCountdown(gameID uint) {
	started, reopened := false, false
	err := s.store.WithGame(s.ctx, gameID, func(tx store.GameTx) error {
		game := tx.Game()
		if game.Status != models.GameStatusCountdown {
			return nil
		}
		// Too few players left: back to open and wait for more
		if len(tx.Players()) < s.cfg.StartThreshold {
			game.Status = models.GameStatusOpen
			reopened = true
			return nil
		}
		now := time.Now().UTC()
		game.Status = models.GameStatusActive
		game.StartedAt = &now
		started = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Errorf("countdown expiry failed for game %d: %v", gameID, err)
		return
	}

	switch {
	case started:
		logger.Infof("game %d started", gameID)
		s.startDrawing(gameID)
	case reopened:
		logger.Infof("game %d reopened: fewer than %d players at countdown expiry", gameID, s.cfg.StartThreshold)
		if err := s.latch.Release(s.ctx, countdownKey(gameID)); err != nil {
			logger.Warnf("failed to release countdown latch for game %d: %v", gameID, err)
		}
	default:
		return
	}
	s.refreshState(gameID)
}

// schedule runs fn after d unless the service is closed first.
func (s *GameService) schedule(key string, d time.Duration, fn func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	s.timers[key] = time.AfterFunc(d, func() {
		defer s.wg.Done()
		s.mutex.Lock()
		delete(s.timers, key)
		closed := s.closed
		s.mutex.Unlock()
		if closed {
			return
		}
		fn()
	})
}

func (s *GameService) startDrawing(gameID uint) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	if _, running := s.loops[gameID]; running {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.loops[gameID] = cancel
	s.wg.Add(1)
	go s.drawLoop(ctx, gameID)
}

func (s *GameService) stopDrawing(gameID uint) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if cancel, ok := s.loops[gameID]; ok {
		cancel()
		delete(s.loops, gameID)
	}
}

func (s *GameService) drawLoop(ctx context.Context, gameID uint) {
	defer s.wg.Done()
	defer s.stopDrawing(gameID)

	ticker := time.NewTicker(s.cfg.DrawInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		done, err := s.drawNext(ctx, gameID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("draw failed for game %d: %v", gameID, err)
			continue
		}
		if done {
			return
		}
	}
}

// drawNext appends one ball. It reports done once the game is no longer
// active or has run out of balls.
func (s *GameService) drawNext(ctx context.Context, gameID uint) (bool, error) {
	var (
		ball      int
		count     int
		exhausted bool
		inactive  bool
	)
	err := s.store.WithGame(ctx, gameID, func(tx store.GameTx) error {
		game := tx.Game()
		if game.Status != models.GameStatusActive {
			inactive = true
			return nil
		}
		value, ok := bingo.DrawBall(game.DrawnBalls, nil)
		if !ok {
			now := time.Now().UTC()
			game.Status = models.GameStatusCancelled
			game.EndedAt = &now
			exhausted = true
			return nil
		}
		game.DrawnBalls = append(game.DrawnBalls, value)
		ball = value
		count = len(game.DrawnBalls)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if inactive {
		return true, nil
	}
	if exhausted {
		logger.Infof("game %d cancelled: all %d balls drawn without a winner", gameID, bingo.MaxBall)
		s.hub.Publish(gameID, EventFinished, FinishedPayload{Reason: FinishReasonExhausted})
		s.endGame(gameID, false)
		return true, nil
	}

	logger.Debugf("game %d drew %d (%d/%d)", gameID, ball, count, bingo.MaxBall)
	s.hub.Publish(gameID, EventBallDrawn, BallDrawnPayload{Value: ball, Count: count})
	s.refreshState(gameID)
	return false, nil
}

// endGame tears down everything attached to a game that reached a terminal
// status. removed says whether the game record is gone.
func (s *GameService) endGame(gameID uint, removed bool) {
	s.stopDrawing(gameID)
	s.hub.DisconnectAll(gameID)
	for _, key := range []string{countdownKey(gameID), joinTimeoutKey(gameID)} {
		if err := s.latch.Release(s.ctx, key); err != nil {
			logger.Warnf("failed to release %s: %v", key, err)
		}
	}
	if removed && s.cache != nil {
		s.stateMutex.Lock()
		s.dropState(gameID)
		s.stateMutex.Unlock()
		return
	}
	s.refreshState(gameID)
}

// Resume re-arms the timers and draw loops of games that were live when
// the process last stopped. Expired timers fire right away.
func (s *GameService) Resume(ctx context.Context) error {
	games, err := s.store.LiveGames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list live games: %w", err)
	}

	now := time.Now()
	for i := range games {
		game := games[i]
		gameID := game.ID
		switch game.Status {
		case models.GameStatusActive:
			s.startDrawing(gameID)
		case models.GameStatusCountdown:
			// The countdown began on the last write to the game
			s.rearm(countdownKey(gameID))
			s.schedule(countdownKey(gameID), remaining(s.cfg.CountdownDuration, game.UpdatedAt, now), func() { s.onCountdown(gameID) })
		}
		if game.Status != models.GameStatusActive {
			s.rearm(joinTimeoutKey(gameID))
			s.schedule(joinTimeoutKey(gameID), remaining(s.cfg.JoinTimeout, game.CreatedAt, now), func() { s.onJoinTimeout(gameID) })
		}
		s.refreshState(gameID)
	}
	if len(games) > 0 {
		logger.Infof("resumed %d live games", len(games))
	}
	return nil
}

// rearm takes the latch for a resumed timer. A latch left over from the
// previous run is expected and not an error.
func (s *GameService) rearm(key string) {
	if _, err := s.latch.Arm(s.ctx, key); err != nil {
		logger.Warnf("failed to arm %s: %v", key, err)
	}
}

func remaining(d time.Duration, since, now time.Time) time.Duration {
	if left := d - now.Sub(since); left > 0 {
		return left
	}
	return 0
}

// Close stops pending timers and draw loops and waits for them to return.
func (s *GameService) Close() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	for key, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, key)
	}
	for gameID, cancel := range s.loops {
		cancel()
		delete(s.loops, gameID)
	}
	s.cancel()
	s.mutex.Unlock()

	s.wg.Wait()
}
