package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"chatcore/models"
	"chatcore/storage"
)

// fakeStore is an in-memory MessageStore. fetchHook, when set, runs before
// FetchPage reads any rows and may block or fail the call. builtHook runs
// after the page has been assembled, so changes made while it blocks are
// missing from the returned page.
type fakeStore struct {
	mu        sync.Mutex
	messages  map[string]models.Message
	nextTS    int64
	nextID    int
	fetches   int
	insertErr error
	fetchHook func(ctx context.Context, query models.PageQuery) error
	builtHook func(ctx context.Context, query models.PageQuery) error
	handlers  map[string]map[int]models.RealtimeHandlers
	nextSub   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[string]models.Message),
		nextTS:   1_000,
		handlers: make(map[string]map[int]models.RealtimeHandlers),
	}
}

// seed stores n text messages from sender without publishing them.
func (f *fakeStore) seed(conversationID, senderID string, n int) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		m := f.newMessageLocked(models.MessageDraft{
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        fmt.Sprintf("message %d", i),
			MessageType:    models.MessageTypeText,
		})
		f.messages[m.ID] = m
		out = append(out, m)
	}
	return out
}

func (f *fakeStore) newMessageLocked(draft models.MessageDraft) models.Message {
	f.nextTS++
	f.nextID++
	return models.Message{
		ID:                fmt.Sprintf("msg-%04d", f.nextID),
		ConversationID:    draft.ConversationID,
		SenderID:          draft.SenderID,
		Content:           draft.Content,
		MessageType:       draft.MessageType,
		CreatedAt:         f.nextTS,
		MediaURL:          draft.MediaURL,
		MediaThumbnailURL: draft.MediaThumbnailURL,
		ForwardedFrom:     draft.ForwardedFrom,
		OriginalMessageID: draft.OriginalMessageID,
		IsEncrypted:       draft.IsEncrypted,
		EncryptedKey:      draft.EncryptedKey,
		EncryptedIV:       draft.EncryptedIV,
	}
}

func (f *fakeStore) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeStore) setFetchHook(hook func(ctx context.Context, query models.PageQuery) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchHook = hook
}

func (f *fakeStore) setBuiltHook(hook func(ctx context.Context, query models.PageQuery) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builtHook = hook
}

func (f *fakeStore) FetchPage(ctx context.Context, conversationID string, query models.PageQuery) ([]models.Message, error) {
	f.mu.Lock()
	f.fetches++
	hook := f.fetchHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, query); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	page := f.pageLocked(conversationID, query)
	built := f.builtHook
	f.mu.Unlock()

	if built != nil {
		if err := built(ctx, query); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func (f *fakeStore) pageLocked(conversationID string, query models.PageQuery) []models.Message {
	var page []models.Message
	for _, m := range f.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if query.Before != 0 && !(m.CreatedAt < query.Before || (m.CreatedAt == query.Before && m.ID < query.BeforeID)) {
			continue
		}
		page = append(page, m)
	}
	sort.Slice(page, func(i, j int) bool { return models.Less(page[j], page[i]) })
	if len(page) > query.Limit {
		page = page[:query.Limit]
	}
	return page
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.messages[id]
	if !ok {
		return models.Message{}, models.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, draft models.MessageDraft) (models.Message, error) {
	f.mu.Lock()
	if f.insertErr != nil {
		err := f.insertErr
		f.mu.Unlock()
		return models.Message{}, err
	}
	m := f.newMessageLocked(draft)
	f.messages[m.ID] = m
	handlers := f.handlersLocked(m.ConversationID)
	f.mu.Unlock()

	for _, h := range handlers {
		if h.OnInsert != nil {
			h.OnInsert(m)
		}
	}
	return m, nil
}

func (f *fakeStore) UpdateMessage(_ context.Context, id, requesterID string, edit models.MessageEdit) (models.Message, error) {
	f.mu.Lock()
	m, ok := f.messages[id]
	if !ok {
		f.mu.Unlock()
		return models.Message{}, models.ErrNotFound
	}
	if m.SenderID != requesterID {
		f.mu.Unlock()
		return models.Message{}, models.ErrForbidden
	}
	m.Content = edit.Content
	m.IsEncrypted = edit.IsEncrypted
	m.EncryptedKey = edit.EncryptedKey
	m.EncryptedIV = edit.EncryptedIV
	f.messages[id] = m
	handlers := f.handlersLocked(m.ConversationID)
	f.mu.Unlock()

	for _, h := range handlers {
		if h.OnUpdate != nil {
			h.OnUpdate(m)
		}
	}
	return m, nil
}

func (f *fakeStore) DeleteMessage(_ context.Context, id, requesterID string) error {
	f.mu.Lock()
	m, ok := f.messages[id]
	if !ok {
		f.mu.Unlock()
		return models.ErrNotFound
	}
	if m.SenderID != requesterID {
		f.mu.Unlock()
		return models.ErrForbidden
	}
	delete(f.messages, id)
	handlers := f.handlersLocked(m.ConversationID)
	f.mu.Unlock()

	for _, h := range handlers {
		if h.OnDelete != nil {
			h.OnDelete(id)
		}
	}
	return nil
}

func (f *fakeStore) Subscribe(conversationID string, handlers models.RealtimeHandlers) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextSub
	f.nextSub++
	if f.handlers[conversationID] == nil {
		f.handlers[conversationID] = make(map[int]models.RealtimeHandlers)
	}
	f.handlers[conversationID][id] = handlers

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[conversationID], id)
	}, nil
}

func (f *fakeStore) subscriberCount(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[conversationID])
}

func (f *fakeStore) handlersLocked(conversationID string) []models.RealtimeHandlers {
	out := make([]models.RealtimeHandlers, 0, len(f.handlers[conversationID]))
	for _, h := range f.handlers[conversationID] {
		out = append(out, h)
	}
	return out
}

// countingMedia records uploads and hands out stable URLs.
type countingMedia struct {
	mu      sync.Mutex
	uploads int
}

func (c *countingMedia) Upload(_ context.Context, r io.Reader, req storage.UploadRequest) (storage.UploadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := io.ReadAll(r); err != nil {
		return storage.UploadResult{}, err
	}
	c.uploads++
	url := fmt.Sprintf("media://%s-%d", req.Filename, c.uploads)
	return storage.UploadResult{URL: url, ThumbnailURL: url + "/thumbnail"}, nil
}

type memoryCache struct {
	mu    sync.Mutex
	data  map[string][]models.Message
	saves int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: make(map[string][]models.Message)}
}

func (c *memoryCache) LoadConversation(_ context.Context, conversationID string) ([]models.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	messages, ok := c.data[conversationID]
	return append([]models.Message(nil), messages...), ok, nil
}

func (c *memoryCache) SaveConversation(_ context.Context, conversationID string, messages []models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[conversationID] = append([]models.Message(nil), messages...)
	c.saves++
	return nil
}

// gate blocks FetchPage calls until released and reports when one is waiting.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) hook(ctx context.Context, _ models.PageQuery) error {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newTestEngine(t *testing.T, store MessageStore, mutate func(*Options)) (*Engine, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	opts := Options{
		ConversationID: "conv-1",
		UserID:         "alice",
		Store:          store,
		PageSize:       30,
		Clock:          mock,
	}
	if mutate != nil {
		mutate(&opts)
	}

	engine, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(engine.Dispose)
	return engine, mock
}

func assertOrderedUnique(t *testing.T, messages []models.Message) {
	t.Helper()

	seen := make(map[string]struct{}, len(messages))
	for i, m := range messages {
		if _, dup := seen[m.ID]; dup {
			t.Fatalf("duplicate message id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
		if i > 0 && models.Less(m, messages[i-1]) {
			t.Fatalf("messages out of order at %d: %+v before %+v", i, messages[i-1], m)
		}
	}
}
