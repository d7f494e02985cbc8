package api

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"brilliant-board/board"
	"brilliant-board/chat"
)

var errRegistryClosed = errors.New("session registry closed")

type userSession struct {
	userID    string
	board     *board.Session
	assistant *chat.Assistant
	// sending is held for the duration of one chat send.
	sending sync.Mutex
}

// Registry holds one board and one conversation per user. Sessions are
// created on first use and live until Close.
type Registry struct {
	newBoard BoardFactory
	chat     chat.Streamer
	logger   *log.Logger

	mu       sync.Mutex
	sessions map[string]*userSession
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(newBoard BoardFactory, chatClient chat.Streamer, logger *log.Logger) *Registry {
	return &Registry{
		newBoard: newBoard,
		chat:     chatClient,
		logger:   logger,
		sessions: make(map[string]*userSession),
	}
}

func (r *Registry) get(userID string) (*userSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRegistryClosed
	}
	if s, ok := r.sessions[userID]; ok {
		return s, nil
	}
	s := &userSession{
		userID:    userID,
		board:     r.newBoard(userID),
		assistant: chat.NewAssistant(r.chat, r.logger),
	}
	r.sessions[userID] = s
	r.logger.WithField("user", userID).Debug("session created")
	return s, nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close drains every board session and rejects further requests.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*userSession)
	r.closed = true
	r.mu.Unlock()

	for _, s := range sessions {
		s.board.Close()
	}
}
