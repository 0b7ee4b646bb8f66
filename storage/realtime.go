package storage

import (
	"errors"
	"sync"

	"chatcore/models"
)

// hub fans out committed message changes to per-conversation subscribers.
// Handlers run on the writer's goroutine after the write commits.
type hub struct {
	mu     sync.RWMutex
	nextID int
	closed bool
	subs   map[string]map[int]models.RealtimeHandlers
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[int]models.RealtimeHandlers)}
}

// Subscribe registers handlers for one conversation. The returned function
// removes the subscription and is safe to call more than once.
func (s *Store) Subscribe(conversationID string, handlers models.RealtimeHandlers) (func(), error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	return s.hub.subscribe(conversationID, handlers)
}

func (h *hub) subscribe(conversationID string, handlers models.RealtimeHandlers) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	id := h.nextID
	h.nextID++
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[int]models.RealtimeHandlers)
	}
	h.subs[conversationID][id] = handlers

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[conversationID], id)
			if len(h.subs[conversationID]) == 0 {
				delete(h.subs, conversationID)
			}
		})
	}, nil
}

func (h *hub) snapshot(conversationID string) []models.RealtimeHandlers {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]models.RealtimeHandlers, 0, len(h.subs[conversationID]))
	for _, handlers := range h.subs[conversationID] {
		out = append(out, handlers)
	}
	return out
}

func (h *hub) publishInsert(message models.Message) {
	for _, handlers := range h.snapshot(message.ConversationID) {
		if handlers.OnInsert != nil {
			handlers.OnInsert(message)
		}
	}
}

func (h *hub) publishUpdate(message models.Message) {
	for _, handlers := range h.snapshot(message.ConversationID) {
		if handlers.OnUpdate != nil {
			handlers.OnUpdate(message)
		}
	}
}

func (h *hub) publishDelete(conversationID, messageID string) {
	for _, handlers := range h.snapshot(conversationID) {
		if handlers.OnDelete != nil {
			handlers.OnDelete(messageID)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[string]map[int]models.RealtimeHandlers)
}
