package services

import (
	"encoding/json"
	"sync"

	"openbingo/utils/logger"
)

const (
	EventTotalPlayers = "total_players"
	EventBallDrawn    = "ball_drawn"
	EventFinished     = "finished"
	EventGameState    = "game_state"
	EventPong         = "pong"
)

const (
	FinishReasonWinner    = "winner"
	FinishReasonExhausted = "exhausted"
)

// Session is one attached client connection.
type Session interface {
	ID() string
	// Send queues data for delivery. It must not block.
	Send(data []byte) error
	Close() error
}

// Message is the envelope of every frame sent to a session.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type TotalPlayersPayload struct {
	Count int `json:"count"`
}

type BallDrawnPayload struct {
	Value int `json:"value"`
	Count int `json:"count"`
}

type FinishedPayload struct {
	WinnerID *uint  `json:"winner_id,omitempty"`
	Reason   string `json:"reason"`
}

// Hub fans events out to the sessions attached to each game. Every game has
// its own session set; nothing is shared between games.
type Hub struct {
	games map[uint]map[string]Session
	mutex sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{games: make(map[uint]map[string]Session)}
}

// Attach adds the session to the game's set, replacing one with the same id.
func (h *Hub) Attach(gameID uint, session Session) {
	h.mutex.Lock()
	sessions, ok := h.games[gameID]
	if !ok {
		sessions = make(map[string]Session)
		h.games[gameID] = sessions
	}
	sessions[session.ID()] = session
	total := len(sessions)
	h.mutex.Unlock()

	logger.Debugf("session %s attached to game %d (%d sessions)", session.ID(), gameID, total)
}

// Detach removes the session from the game. It does not close it.
func (h *Hub) Detach(gameID uint, session Session) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	sessions, ok := h.games[gameID]
	if !ok {
		return
	}
	if _, attached := sessions[session.ID()]; !attached {
		return
	}
	delete(sessions, session.ID())
	if len(sessions) == 0 {
		delete(h.games, gameID)
	}
	logger.Debugf("session %s detached from game %d", session.ID(), gameID)
}

// Publish delivers the event to every session of the game. A failed
// delivery is logged and skipped.
func (h *Hub) Publish(gameID uint, messageType string, payload interface{}) {
	data, err := encodeMessage(messageType, payload)
	if err != nil {
		logger.Errorf("failed to encode %s for game %d: %v", messageType, gameID, err)
		return
	}

	delivered := 0
	sessions := h.Sessions(gameID)
	for _, session := range sessions {
		if err := session.Send(data); err != nil {
			logger.Warnf("failed to deliver %s to session %s in game %d: %v", messageType, session.ID(), gameID, err)
			continue
		}
		delivered++
	}
	logger.Debugf("published %s to %d/%d sessions in game %d", messageType, delivered, len(sessions), gameID)
}

// SendTo delivers one event to a single session.
func (h *Hub) SendTo(session Session, messageType string, payload interface{}) error {
	data, err := encodeMessage(messageType, payload)
	if err != nil {
		return err
	}
	return session.Send(data)
}

// DisconnectAll closes every session of the game and forgets the set.
func (h *Hub) DisconnectAll(gameID uint) {
	h.mutex.Lock()
	sessions := h.games[gameID]
	delete(h.games, gameID)
	h.mutex.Unlock()

	// Close outside the lock; sessions detach themselves on the way out
	for _, session := range sessions {
		if err := session.Close(); err != nil {
			logger.Warnf("failed to close session %s in game %d: %v", session.ID(), gameID, err)
		}
	}
	if len(sessions) > 0 {
		logger.Infof("disconnected %d sessions from game %d", len(sessions), gameID)
	}
}

// Sessions returns a snapshot of the game's sessions.
func (h *Hub) Sessions(gameID uint) []Session {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	out := make([]Session, 0, len(h.games[gameID]))
	for _, session := range h.games[gameID] {
		out = append(out, session)
	}
	return out
}

func encodeMessage(messageType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Message{Type: messageType, Payload: payload})
}
