package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"openbingo/bingo"
	"openbingo/cache"
	"openbingo/models"
	"openbingo/store"
)

func testConfig() GameConfig {
	return GameConfig{
		StartThreshold:    3,
		MaxPlayers:        10,
		CountdownDuration: time.Hour,
		JoinTimeout:       time.Hour,
		DrawInterval:      time.Hour,
		CardAttempts:      1000,
	}
}

type countingLatch struct {
	*cache.LocalLatch

	mu       sync.Mutex
	wins     map[string]int
	releases map[string]int
}

func newCountingLatch() *countingLatch {
	return &countingLatch{
		LocalLatch: cache.NewLocalLatch(),
		wins:       make(map[string]int),
		releases:   make(map[string]int),
	}
}

func (l *countingLatch) Release(ctx context.Context, key string) error {
	err := l.LocalLatch.Release(ctx, key)
	l.mu.Lock()
	l.releases[key]++
	l.mu.Unlock()
	return err
}

func (l *countingLatch) Releases(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releases[key]
}

func (l *countingLatch) Arm(ctx context.Context, key string) (bool, error) {
	ok, err := l.LocalLatch.Arm(ctx, key)
	if ok {
		l.mu.Lock()
		l.wins[key]++
		l.mu.Unlock()
	}
	return ok, err
}

func (l *countingLatch) Wins(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wins[key]
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (c *mapCache) Put(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = data
	return nil
}

func (c *mapCache) Get(ctx context.Context, key string, dst interface{}) error {
	c.mu.Lock()
	data, ok := c.data[key]
	c.mu.Unlock()
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(data, dst)
}

func (c *mapCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *mapCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// gatedStore can hold one Game read after it has loaded its result, so the
// caller acts on data that is already out of date.
type gatedStore struct {
	store.Store

	mu      sync.Mutex
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) holdNextRead() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entered = make(chan struct{})
	s.gate = make(chan struct{})
	gate := s.gate
	return s.entered, func() { close(gate) }
}

func (s *gatedStore) Game(ctx context.Context, gameID uint) (*models.Game, error) {
	game, err := s.Store.Game(ctx, gameID)

	s.mu.Lock()
	entered, gate := s.entered, s.gate
	s.entered, s.gate = nil, nil
	s.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}
	return game, err
}

type testEnv struct {
	svc   *GameService
	store *store.MemoryStore
	hub   *Hub
	latch *countingLatch
}

func newTestEnv(t *testing.T, cfg GameConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store.NewMemoryStore(),
		hub:   NewHub(),
		latch: newCountingLatch(),
	}
	env.svc = NewGameService(env.store, env.hub, env.latch, nil, cfg)
	t.Cleanup(env.svc.Close)
	return env
}

func (e *testEnv) register(t *testing.T, userID uint) *Registration {
	t.Helper()
	reg, err := e.svc.Register(context.Background(), userID)
	if err != nil {
		t.Fatalf("register user %d: %v", userID, err)
	}
	return reg
}

// activate forces the game into Active with the given draws.
func (e *testEnv) activate(t *testing.T, gameID uint, balls []int) {
	t.Helper()
	err := e.store.WithGame(context.Background(), gameID, func(tx store.GameTx) error {
		game := tx.Game()
		now := time.Now().UTC()
		game.Status = models.GameStatusActive
		game.StartedAt = &now
		game.DrawnBalls = append(game.DrawnBalls[:0], balls...)
		return nil
	})
	if err != nil {
		t.Fatalf("activate game %d: %v", gameID, err)
	}
}

func (e *testEnv) game(gameID uint) (*models.Game, error) {
	return e.store.Game(context.Background(), gameID)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func everyBall() []int {
	balls := make([]int, 0, bingo.MaxBall)
	for i := 1; i <= bingo.MaxBall; i++ {
		balls = append(balls, i)
	}
	return balls
}

func TestRegisterCreatesGamePlayerAndCard(t *testing.T) {
	env := newTestEnv(t, testConfig())
	session := newFakeSession("watcher")

	reg := env.register(t, 1)
	if reg.Game.Status != models.GameStatusOpen {
		t.Fatalf("expected open game, got %s", reg.Game.Status)
	}
	if reg.PlayerCount != 1 || reg.Player.UserID != 1 || reg.Player.GameID != reg.Game.ID {
		t.Fatalf("unexpected registration %+v", reg)
	}
	if err := reg.Card.Numbers.Data().Validate(); err != nil {
		t.Fatalf("invalid card: %v", err)
	}

	card, err := env.svc.GetCard(context.Background(), 1)
	if err != nil {
		t.Fatalf("get card: %v", err)
	}
	if card.ID != reg.Card.ID || card.Numbers.Data() != reg.Card.Numbers.Data() {
		t.Fatal("GetCard returned a different card")
	}

	env.hub.Attach(reg.Game.ID, session)
	second := env.register(t, 2)
	if second.Game.ID != reg.Game.ID {
		t.Fatal("second user should join the same game")
	}
	msgs := session.Messages()
	if len(msgs) != 1 || msgs[0].Type != EventTotalPlayers {
		t.Fatalf("expected total_players event, got %+v", msgs)
	}
	if count := msgs[0].Payload.(map[string]interface{})["count"]; count != float64(2) {
		t.Fatalf("expected count 2, got %v", count)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t, testConfig())
	if _, err := env.svc.Register(context.Background(), 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRegisterTwiceIsConflict(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.register(t, 1)
	_, err := env.svc.Register(context.Background(), 1)
	if !errors.Is(err, ErrConflict) || !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected already registered conflict, got %v", err)
	}
	if count, _ := env.store.CountPlayers(context.Background(), 1); count != 1 {
		t.Fatalf("rejected registration changed state: %d players", count)
	}
}

func TestConcurrentRegistrationsShareOneGame(t *testing.T) {
	env := newTestEnv(t, testConfig())

	var wg sync.WaitGroup
	regs := make([]*Registration, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			regs[i], errs[i] = env.svc.Register(context.Background(), uint(i+1))
		}(i)
	}
	wg.Wait()

	gameID := uint(0)
	fingerprints := make(map[string]bool)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("user %d: %v", i+1, err)
		}
		if gameID == 0 {
			gameID = regs[i].Game.ID
		}
		if regs[i].Game.ID != gameID {
			t.Fatalf("user %d landed in game %d, expected %d", i+1, regs[i].Game.ID, gameID)
		}
		if fingerprints[regs[i].Card.Fingerprint] {
			t.Fatalf("duplicate card issued to user %d", i+1)
		}
		fingerprints[regs[i].Card.Fingerprint] = true
	}

	_, err := env.svc.Register(context.Background(), 11)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected capacity error for the 11th user, got %v", err)
	}
	if count, _ := env.store.CountPlayers(context.Background(), gameID); count != 10 {
		t.Fatalf("expected 10 players, got %d", count)
	}
}

func TestConcurrentRegistrationOfOneUser(t *testing.T) {
	env := newTestEnv(t, testConfig())

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, conflicts := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Register(context.Background(), 42)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyRegistered):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || conflicts != 9 {
		t.Fatalf("expected 1 success and 9 conflicts, got %d and %d", ok, conflicts)
	}
}

func TestTimersArmedOncePerGame(t *testing.T) {
	env := newTestEnv(t, testConfig())

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(userID uint) {
			defer wg.Done()
			if _, err := env.svc.Register(context.Background(), userID); err != nil {
				t.Errorf("register %d: %v", userID, err)
			}
		}(uint(i))
	}
	wg.Wait()

	if n := env.latch.Wins(countdownKey(1)); n != 1 {
		t.Fatalf("countdown armed %d times", n)
	}
	if n := env.latch.Wins(joinTimeoutKey(1)); n != 1 {
		t.Fatalf("join timeout armed %d times", n)
	}
	game, _ := env.game(1)
	if game.Status != models.GameStatusCountdown {
		t.Fatalf("expected countdown status, got %s", game.Status)
	}
	env.svc.mutex.Lock()
	pending := len(env.svc.timers)
	env.svc.mutex.Unlock()
	if pending != 2 {
		t.Fatalf("expected 2 pending timers, got %d", pending)
	}
}

func TestCountdownNotArmedBelowThreshold(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.register(t, 1)
	env.register(t, 2)
	if n := env.latch.Wins(countdownKey(1)); n != 0 {
		t.Fatal("countdown armed below the threshold")
	}
	game, _ := env.game(1)
	if game.Status != models.GameStatusOpen {
		t.Fatalf("expected open, got %s", game.Status)
	}
}

func TestJoinTimeoutRemovesLonelyGame(t *testing.T) {
	cfg := testConfig()
	cfg.JoinTimeout = 20 * time.Millisecond
	env := newTestEnv(t, cfg)

	// the memory store numbers games from 1
	session := newFakeSession("lonely")
	env.hub.Attach(1, session)
	reg := env.register(t, 1)

	waitFor(t, "game removal", func() bool {
		_, err := env.game(reg.Game.ID)
		return errors.Is(err, store.ErrNotFound)
	})
	waitFor(t, "session close", session.Closed)
	if _, err := env.svc.GetCard(context.Background(), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected player removed with the game, got %v", err)
	}

	next := env.register(t, 1)
	if next.Game.ID == reg.Game.ID {
		t.Fatal("expected a fresh game after the timeout")
	}
}

func TestJoinTimeoutKeepsGameWithTwoPlayers(t *testing.T) {
	cfg := testConfig()
	cfg.JoinTimeout = 10 * time.Millisecond
	env := newTestEnv(t, cfg)

	reg := env.register(t, 1)
	env.register(t, 2)
	time.Sleep(60 * time.Millisecond)

	game, err := env.game(reg.Game.ID)
	if err != nil {
		t.Fatalf("game should survive the timeout: %v", err)
	}
	if game.Status != models.GameStatusOpen {
		t.Fatalf("expected open, got %s", game.Status)
	}
}

func TestCountdownStartsGameAndDrawsBalls(t *testing.T) {
	cfg := testConfig()
	cfg.StartThreshold = 2
	cfg.CountdownDuration = 20 * time.Millisecond
	cfg.DrawInterval = 5 * time.Millisecond
	env := newTestEnv(t, cfg)

	reg := env.register(t, 1)
	session := newFakeSession("player")
	env.hub.Attach(reg.Game.ID, session)
	env.register(t, 2)

	waitFor(t, "three draws", func() bool {
		game, err := env.game(reg.Game.ID)
		return err == nil && game.Status == models.GameStatusActive && len(game.DrawnBalls) >= 3
	})
	game, _ := env.game(reg.Game.ID)
	if game.StartedAt == nil {
		t.Fatal("start time not stamped")
	}

	waitFor(t, "ball events", func() bool {
		count := 0
		for _, typ := range session.types() {
			if typ == EventBallDrawn {
				count++
			}
		}
		return count >= 3
	})
	last := 0
	seen := make(map[float64]bool)
	for _, msg := range session.Messages() {
		if msg.Type != EventBallDrawn {
			continue
		}
		payload := msg.Payload.(map[string]interface{})
		count := int(payload["count"].(float64))
		if count != last+1 {
			t.Fatalf("draw events out of order: %d after %d", count, last)
		}
		last = count
		if seen[payload["value"].(float64)] {
			t.Fatalf("ball %v drawn twice", payload["value"])
		}
		seen[payload["value"].(float64)] = true
	}

	if _, err := env.svc.Register(context.Background(), 3); err != nil {
		t.Fatalf("register after start: %v", err)
	}
	next, _ := env.svc.CurrentGame(context.Background(), 3)
	if next.ID == reg.Game.ID {
		t.Fatal("registration must not land in an active game")
	}
}

func TestExhaustedGameIsCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.DrawInterval = 5 * time.Millisecond
	env := newTestEnv(t, cfg)

	reg := env.register(t, 1)
	env.activate(t, reg.Game.ID, everyBall())
	session := newFakeSession("player")
	env.hub.Attach(reg.Game.ID, session)

	env.svc.startDrawing(reg.Game.ID)

	waitFor(t, "cancellation", func() bool {
		game, err := env.game(reg.Game.ID)
		return err == nil && game.Status == models.GameStatusCancelled
	})
	game, _ := env.game(reg.Game.ID)
	if game.WinnerID != nil || len(game.DrawnBalls) != bingo.MaxBall {
		t.Fatalf("unexpected exhausted game %+v", game)
	}
	waitFor(t, "session close", session.Closed)
	msgs := session.Messages()
	if len(msgs) == 0 || msgs[len(msgs)-1].Type != EventFinished {
		t.Fatalf("expected finished event, got %+v", msgs)
	}
	if reason := msgs[len(msgs)-1].Payload.(map[string]interface{})["reason"]; reason != FinishReasonExhausted {
		t.Fatalf("expected exhausted reason, got %v", reason)
	}
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	env := newTestEnv(t, testConfig())
	reg := env.register(t, 1)
	env.register(t, 2)
	env.activate(t, reg.Game.ID, everyBall())
	session := newFakeSession("watcher")
	env.hub.Attach(reg.Game.ID, session)

	var wg sync.WaitGroup
	results := make([]*ClaimResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.ClaimWin(context.Background(), uint(i+1))
		}(i)
	}
	wg.Wait()

	winners, conflicts := 0, 0
	var winner uint
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
			winner = results[i].WinnerID
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if winners != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got %d and %d", winners, conflicts)
	}

	game, _ := env.game(reg.Game.ID)
	if game.Status != models.GameStatusFinished || game.WinnerID == nil || *game.WinnerID != winner {
		t.Fatalf("unexpected final game %+v", game)
	}
	if game.EndedAt == nil {
		t.Fatal("end time not stamped")
	}
	if !session.Closed() {
		t.Fatal("sessions must be severed after a win")
	}
	msgs := session.Messages()
	if len(msgs) != 1 || msgs[0].Type != EventFinished {
		t.Fatalf("expected one finished event, got %+v", msgs)
	}
}

func TestLosingClaimDisqualifiesPlayer(t *testing.T) {
	cfg := testConfig()
	cfg.StartThreshold = 4
	env := newTestEnv(t, cfg)
	reg := env.register(t, 1)
	env.register(t, 2)
	env.register(t, 3)
	env.activate(t, reg.Game.ID, nil)
	session := newFakeSession("watcher")
	env.hub.Attach(reg.Game.ID, session)

	_, err := env.svc.ClaimWin(context.Background(), 1)
	if !errors.Is(err, ErrDisqualified) {
		t.Fatalf("expected disqualification, got %v", err)
	}
	if count, _ := env.store.CountPlayers(context.Background(), reg.Game.ID); count != 2 {
		t.Fatalf("expected 2 players left, got %d", count)
	}
	if _, err := env.svc.GetCard(context.Background(), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("disqualified player still has a card: %v", err)
	}
	if _, err := env.store.Card(context.Background(), reg.Card.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("card not removed with its player")
	}

	msgs := session.Messages()
	if len(msgs) != 1 || msgs[0].Type != EventTotalPlayers {
		t.Fatalf("expected total_players event, got %+v", msgs)
	}
	if count := msgs[0].Payload.(map[string]interface{})["count"]; count != float64(2) {
		t.Fatalf("expected count 2, got %v", count)
	}
	if session.Closed() {
		t.Fatal("game with players left must keep its sessions")
	}

	if _, err := env.svc.ClaimWin(context.Background(), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second claim from a removed player: %v", err)
	}
}

func TestLastPlayerDisqualifiedCancelsGame(t *testing.T) {
	env := newTestEnv(t, testConfig())
	reg := env.register(t, 1)
	env.activate(t, reg.Game.ID, []int{1})
	session := newFakeSession("watcher")
	env.hub.Attach(reg.Game.ID, session)

	if _, err := env.svc.ClaimWin(context.Background(), 1); !errors.Is(err, ErrDisqualified) {
		t.Fatalf("expected disqualification, got %v", err)
	}
	if _, err := env.game(reg.Game.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected game removed, got %v", err)
	}
	if !session.Closed() {
		t.Fatal("sessions must be severed when the game is cancelled")
	}
}

func TestClaimOutsideActiveGame(t *testing.T) {
	env := newTestEnv(t, testConfig())
	if _, err := env.svc.ClaimWin(context.Background(), 9); !errors.Is(err, ErrNotInGame) {
		t.Fatalf("expected not in game, got %v", err)
	}
	env.register(t, 1)
	if _, err := env.svc.ClaimWin(context.Background(), 1); !errors.Is(err, ErrNoActiveGame) {
		t.Fatalf("expected no active game, got %v", err)
	}
	if count, _ := env.store.CountPlayers(context.Background(), 1); count != 1 {
		t.Fatal("claim before start must not disqualify")
	}
}

func TestWinnerCanRegisterAgain(t *testing.T) {
	env := newTestEnv(t, testConfig())
	reg := env.register(t, 1)
	env.activate(t, reg.Game.ID, everyBall())

	if _, err := env.svc.Register(context.Background(), 1); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected already registered while active, got %v", err)
	}
	if _, err := env.svc.ClaimWin(context.Background(), 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	next := env.register(t, 1)
	if next.Game.ID == reg.Game.ID {
		t.Fatal("expected a new game after finishing")
	}
}

func TestGameStateReadsThroughCache(t *testing.T) {
	st := store.NewMemoryStore()
	stateCache := newMapCache()
	svc := NewGameService(st, NewHub(), cache.NewLocalLatch(), stateCache, testConfig())
	t.Cleanup(svc.Close)

	reg, err := svc.Register(context.Background(), 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !stateCache.Has(stateKey(reg.Game.ID)) {
		t.Fatal("registration should refresh the cached state")
	}

	state, err := svc.GameState(context.Background(), 1)
	if err != nil {
		t.Fatalf("game state: %v", err)
	}
	if state.GameID != reg.Game.ID || state.PlayerCount != 1 || state.Status != models.GameStatusOpen || state.LatestBall != nil {
		t.Fatalf("unexpected state %+v", state)
	}

	_ = stateCache.Delete(context.Background(), stateKey(reg.Game.ID))
	if _, err := svc.GameState(context.Background(), 1); err != nil {
		t.Fatalf("state after miss: %v", err)
	}
	if !stateCache.Has(stateKey(reg.Game.ID)) {
		t.Fatal("a miss should repopulate the cache")
	}
}

func TestCloseStopsPendingWork(t *testing.T) {
	cfg := testConfig()
	cfg.DrawInterval = time.Millisecond
	st := store.NewMemoryStore()
	svc := NewGameService(st, NewHub(), cache.NewLocalLatch(), nil, cfg)

	reg, err := svc.Register(context.Background(), 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	err = st.WithGame(context.Background(), reg.Game.ID, func(tx store.GameTx) error {
		tx.Game().Status = models.GameStatusActive
		return nil
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	svc.startDrawing(reg.Game.ID)

	done := make(chan struct{})
	go func() {
		svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	svc.Close()

	game, _ := st.Game(context.Background(), reg.Game.ID)
	drawn := len(game.DrawnBalls)
	time.Sleep(20 * time.Millisecond)
	game, _ = st.Game(context.Background(), reg.Game.ID)
	if len(game.DrawnBalls) != drawn {
		t.Fatal("draws continued after Close")
	}
}

func cachedState(t *testing.T, c *mapCache, gameID uint) GameState {
	t.Helper()
	var state GameState
	if err := c.Get(context.Background(), stateKey(gameID), &state); err != nil {
		t.Fatalf("cached state of game %d: %v", gameID, err)
	}
	return state
}

func TestSlowSnapshotRebuildCannotHideFinish(t *testing.T) {
	mem := store.NewMemoryStore()
	gated := &gatedStore{Store: mem}
	stateCache := newMapCache()
	svc := NewGameService(gated, NewHub(), cache.NewLocalLatch(), stateCache, testConfig())
	t.Cleanup(svc.Close)

	reg, err := svc.Register(context.Background(), 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	gameID := reg.Game.ID
	err = mem.WithGame(context.Background(), gameID, func(tx store.GameTx) error {
		tx.Game().Status = models.GameStatusActive
		tx.Game().DrawnBalls = everyBall()
		return nil
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	svc.refreshState(gameID)

	// a rebuild reads the active game, then stalls before writing
	entered, release := gated.holdNextRead()
	rebuilt := make(chan struct{})
	go func() {
		svc.refreshState(gameID)
		close(rebuilt)
	}()
	<-entered

	claimed := make(chan error, 1)
	go func() {
		_, err := svc.ClaimWin(context.Background(), 1)
		claimed <- err
	}()
	waitFor(t, "finish committed", func() bool {
		game, err := mem.Game(context.Background(), gameID)
		return err == nil && game.Status == models.GameStatusFinished
	})

	release()
	<-rebuilt
	if err := <-claimed; err != nil {
		t.Fatalf("claim: %v", err)
	}

	state := cachedState(t, stateCache, gameID)
	if state.Status != models.GameStatusFinished {
		t.Fatalf("cached status %s, store says finished", state.Status)
	}
	if state.WinnerID == nil || *state.WinnerID != 1 {
		t.Fatalf("cached winner %v", state.WinnerID)
	}
}

func TestCachedSnapshotOnlyMovesForward(t *testing.T) {
	st := store.NewMemoryStore()
	stateCache := newMapCache()
	svc := NewGameService(st, NewHub(), cache.NewLocalLatch(), stateCache, testConfig())
	t.Cleanup(svc.Close)

	reg, err := svc.Register(context.Background(), 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	gameID := reg.Game.ID
	err = st.WithGame(context.Background(), gameID, func(tx store.GameTx) error {
		tx.Game().Status = models.GameStatusActive
		tx.Game().DrawnBalls = []int{4, 8, 15}
		return nil
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	ctx := context.Background()
	key := stateKey(gameID)

	tests := []struct {
		name   string
		cached GameState
		status string
		drawn  int
	}{
		{"finished beats active", GameState{GameID: gameID, Status: models.GameStatusFinished, DrawnBalls: []int{4}}, models.GameStatusFinished, 1},
		{"cancelled beats active", GameState{GameID: gameID, Status: models.GameStatusCancelled}, models.GameStatusCancelled, 0},
		{"more draws win", GameState{GameID: gameID, Status: models.GameStatusActive, DrawnBalls: []int{4, 8, 15, 16}}, models.GameStatusActive, 4},
		{"fewer draws lose", GameState{GameID: gameID, Status: models.GameStatusActive, DrawnBalls: []int{4}}, models.GameStatusActive, 3},
		{"open is replaced", GameState{GameID: gameID, Status: models.GameStatusOpen}, models.GameStatusActive, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := stateCache.Put(ctx, key, tt.cached); err != nil {
				t.Fatalf("seed: %v", err)
			}
			svc.refreshState(gameID)
			state := cachedState(t, stateCache, gameID)
			if state.Status != tt.status || len(state.DrawnBalls) != tt.drawn {
				t.Fatalf("got %s with %d draws, want %s with %d", state.Status, len(state.DrawnBalls), tt.status, tt.drawn)
			}
		})
	}
}
