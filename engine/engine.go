// Package engine keeps one conversation's message list in sync with the
// message store. It reconciles a local cache, explicit page fetches and
// realtime pushes into a single ordered, deduplicated view.
package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"chatcore/models"
	"chatcore/storage"
)

const (
	DefaultPageSize         = 30
	DefaultFlushWindow      = 100 * time.Millisecond
	DefaultOperationTimeout = 15 * time.Second
)

// MessageStore is the remote persistence and realtime channel for messages.
// FetchPage returns messages newest first.
type MessageStore interface {
	FetchPage(ctx context.Context, conversationID string, query models.PageQuery) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	InsertMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error)
	UpdateMessage(ctx context.Context, id, requesterID string, edit models.MessageEdit) (models.Message, error)
	DeleteMessage(ctx context.Context, id, requesterID string) error
	Subscribe(conversationID string, handlers models.RealtimeHandlers) (func(), error)
}

// MediaStore uploads attachments, deduplicating identical content.
type MediaStore interface {
	Upload(ctx context.Context, r io.Reader, req storage.UploadRequest) (storage.UploadResult, error)
}

// Cache is a local read-through copy of a conversation.
type Cache interface {
	LoadConversation(ctx context.Context, conversationID string) ([]models.Message, bool, error)
	SaveConversation(ctx context.Context, conversationID string, messages []models.Message) error
}

// Options configures an Engine. Media and Cache are optional.
type Options struct {
	ConversationID string
	UserID         string

	Store MessageStore
	Media MediaStore
	Cache Cache

	PageSize         int
	FlushWindow      time.Duration
	OperationTimeout time.Duration

	Clock  clock.Clock
	Logger zerolog.Logger
}

// MediaFile is an attachment passed to SendMediaMessage.
type MediaFile struct {
	Name        string
	ContentType string
	Data        io.Reader
	Compress    bool
}

// Snapshot is a consistent copy of the engine state.
//
// Stale is set while the list still comes from the local cache. Revision
// increases every time the message list changes.
type Snapshot struct {
	ConversationID string
	Messages       []models.Message
	Loading        bool
	LoadingOlder   bool
	HasMore        bool
	Sending        bool
	Stale          bool
	LastError      error
	Revision       uint64
}

// Engine owns the message list of one conversation for one user.
type Engine struct {
	conversationID string
	userID         string

	store MessageStore
	media MediaStore
	cache Cache

	pageSize    int
	flushWindow time.Duration
	opTimeout   time.Duration

	clock clock.Clock
	log   zerolog.Logger

	mu           sync.Mutex
	messages     []models.Message
	loading      bool
	loadingOlder bool
	hasMore      bool
	sending      int
	stale        bool
	lastErr      error
	revision     uint64

	pending  []models.Message
	arrived  map[string]struct{}
	removed  map[string]struct{}
	timer    *clock.Timer
	timerGen uint64

	// epoch changes on every full load and on Dispose; fetches started
	// under an older epoch are discarded.
	epoch       uint64
	started     bool
	disposed    bool
	unsubscribe func()

	watchMu     sync.Mutex
	watchers    map[int]func(Snapshot)
	nextWatcher int
}

// New validates options and returns an engine that has not started yet.
func New(opts Options) (*Engine, error) {
	if opts.ConversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("user_id is required")
	}
	if opts.Store == nil {
		return nil, errors.New("message store is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.FlushWindow <= 0 {
		opts.FlushWindow = DefaultFlushWindow
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	return &Engine{
		conversationID: opts.ConversationID,
		userID:         opts.UserID,
		store:          opts.Store,
		media:          opts.Media,
		cache:          opts.Cache,
		pageSize:       opts.PageSize,
		flushWindow:    opts.FlushWindow,
		opTimeout:      opts.OperationTimeout,
		clock:          opts.Clock,
		log: opts.Logger.With().
			Str("component", "engine").
			Str("conversation_id", opts.ConversationID).
			Str("user_id", opts.UserID).
			Logger(),
		loading:  true,
		arrived:  make(map[string]struct{}),
		removed:  make(map[string]struct{}),
		watchers: make(map[int]func(Snapshot)),
	}, nil
}

// ConversationID returns the conversation this engine tracks.
func (e *Engine) ConversationID() string {
	return e.conversationID
}

// UserID returns the local user.
func (e *Engine) UserID() string {
	return e.userID
}

// Start subscribes to realtime changes and performs the initial load.
// A failed initial fetch is recorded in LastError and is not returned.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return NewError("start", ErrDisposed, nil)
	}
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	unsubscribe, err := e.store.Subscribe(e.conversationID, models.RealtimeHandlers{
		OnInsert: e.enqueue,
		OnUpdate: e.enqueue,
		OnDelete: e.removeLocal,
	})
	if err != nil {
		return classify("subscribe", err)
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		unsubscribe()
		return NewError("start", ErrDisposed, nil)
	}
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	_ = e.load(ctx, true)
	return nil
}

// Refresh reloads the latest page from the store, skipping the cache.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.load(ctx, false)
}

// Dispose cancels the pending flush, drops buffered events and tears down
// the realtime subscription. In-flight fetches complete but are discarded.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.epoch++
	e.stopTimerLocked()
	e.pending = nil
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	e.watchMu.Lock()
	e.watchers = make(map[int]func(Snapshot))
	e.watchMu.Unlock()
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Watch registers fn to be called after every state change. The returned
// function removes the watcher.
func (e *Engine) Watch(fn func(Snapshot)) func() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	id := e.nextWatcher
	e.nextWatcher++
	e.watchers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			e.watchMu.Lock()
			defer e.watchMu.Unlock()
			delete(e.watchers, id)
		})
	}
}

func (e *Engine) load(ctx context.Context, useCache bool) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return NewError("load", ErrDisposed, nil)
	}
	e.epoch++
	epoch := e.epoch
	e.loading = true
	e.arrived = make(map[string]struct{})
	e.removed = make(map[string]struct{})
	e.mu.Unlock()
	e.notify()

	if useCache && e.cache != nil {
		e.warmFromCache(ctx, epoch)
	}

	opCtx, cancel := e.withTimeout(ctx)
	page, err := e.store.FetchPage(opCtx, e.conversationID, models.PageQuery{Limit: e.pageSize})
	cancel()

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		e.log.Debug().Msg("discarding stale page")
		return nil
	}
	if err != nil {
		err = classify("load", err)
		e.loading = false
		e.lastErr = err
		stale := e.stale
		e.mu.Unlock()
		e.log.Warn().Err(err).Bool("stale", stale).Msg("initial load failed")
		e.notify()
		return err
	}

	// Deletes seen during the fetch win over a page built before them.
	fetched := e.withoutRemovedLocked(ascending(page))
	merged := make([]models.Message, 0, len(fetched)+len(e.arrived))
	merged = append(merged, fetched...)
	inPage := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		inPage[m.ID] = struct{}{}
	}
	// Realtime arrivals during the fetch may be newer than the page.
	for _, m := range e.messages {
		if _, live := e.arrived[m.ID]; !live {
			continue
		}
		if _, dup := inPage[m.ID]; dup {
			continue
		}
		merged = append(merged, m)
	}
	models.SortAscending(merged)

	e.messages = merged
	e.hasMore = len(page) == e.pageSize
	e.loading = false
	e.stale = false
	e.lastErr = nil
	e.revision++
	saved := cloneMessages(e.messages)
	e.mu.Unlock()

	e.notify()
	e.saveCache(ctx, saved)
	return nil
}

func (e *Engine) warmFromCache(ctx context.Context, epoch uint64) {
	cached, found, err := e.cache.LoadConversation(ctx, e.conversationID)
	if err != nil {
		e.log.Warn().Err(err).Msg("read conversation cache")
		return
	}
	if !found {
		return
	}

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return
	}
	list := make([]models.Message, 0, len(cached))
	for _, m := range cached {
		list = upsert(list, m)
	}
	models.SortAscending(list)
	e.messages = list
	e.hasMore = len(list) >= e.pageSize
	e.loading = false
	e.stale = true
	e.revision++
	e.mu.Unlock()

	e.log.Debug().Int("count", len(list)).Msg("painted from cache")
	e.notify()
}

// LoadOlder prepends the page preceding the oldest loaded message. It is a
// no-op when there is no more history, nothing is loaded yet, or another
// page is already in flight.
func (e *Engine) LoadOlder(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed || !e.hasMore || len(e.messages) == 0 || e.loadingOlder {
		e.mu.Unlock()
		return nil
	}
	oldest := e.messages[0]
	epoch := e.epoch
	e.loadingOlder = true
	e.mu.Unlock()
	e.notify()

	opCtx, cancel := e.withTimeout(ctx)
	page, err := e.store.FetchPage(opCtx, e.conversationID, models.PageQuery{
		Before:   oldest.CreatedAt,
		BeforeID: oldest.ID,
		Limit:    e.pageSize,
	})
	cancel()

	e.mu.Lock()
	e.loadingOlder = false
	if e.epoch != epoch {
		e.mu.Unlock()
		e.notify()
		return nil
	}
	if err != nil {
		err = classify("load_older", err)
		e.lastErr = err
		e.mu.Unlock()
		e.log.Warn().Err(err).Msg("load older page failed")
		e.notify()
		return err
	}

	list := e.withoutRemovedLocked(ascending(page))
	for _, m := range e.messages {
		list = upsert(list, m)
	}
	models.SortAscending(list)
	e.messages = list
	e.hasMore = len(page) == e.pageSize
	if !e.stale {
		e.lastErr = nil
	}
	e.revision++
	e.mu.Unlock()

	e.notify()
	return nil
}

// SendMessage sends a plaintext text message.
func (e *Engine) SendMessage(ctx context.Context, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, NewError("send", ErrValidation, errors.New("message content is empty"))
	}
	return e.Send(ctx, models.MessageDraft{
		Content:     content,
		MessageType: models.MessageTypeText,
	})
}

// Send inserts a prepared draft as the local user in this conversation. The
// stored message enters the list through the same batch path as realtime
// events.
func (e *Engine) Send(ctx context.Context, draft models.MessageDraft) (models.Message, error) {
	if strings.TrimSpace(draft.Content) == "" && draft.MediaURL == "" {
		return models.Message{}, NewError("send", ErrValidation, errors.New("message content is empty"))
	}
	draft.ConversationID = e.conversationID
	draft.SenderID = e.userID
	if draft.MessageType == "" {
		draft.MessageType = models.MessageTypeText
	}

	if err := e.beginSend(); err != nil {
		return models.Message{}, err
	}

	opCtx, cancel := e.withTimeout(ctx)
	message, err := e.store.InsertMessage(opCtx, draft)
	cancel()
	if err != nil {
		e.endSend(true)
		err = classify("send", err)
		e.log.Error().Err(err).Msg("send failed")
		return models.Message{}, err
	}

	e.endSend(false)
	e.enqueue(message)
	return message, nil
}

// SendMediaMessage uploads an attachment and sends a message referencing it.
// A blank caption falls back to the file name.
func (e *Engine) SendMediaMessage(ctx context.Context, file MediaFile, caption string) (models.Message, error) {
	if e.media == nil {
		return models.Message{}, NewError("send_media", ErrValidation, errors.New("media store is not configured"))
	}
	if file.Data == nil || file.Name == "" {
		return models.Message{}, NewError("send_media", ErrValidation, errors.New("file name and data are required"))
	}

	if err := e.beginSend(); err != nil {
		return models.Message{}, err
	}
	opCtx, cancel := e.withTimeout(ctx)
	uploaded, err := e.media.Upload(opCtx, file.Data, storage.UploadRequest{
		Filename:       file.Name,
		ContentType:    file.ContentType,
		OwnerID:        e.userID,
		ConversationID: e.conversationID,
		Compress:       file.Compress,
	})
	cancel()
	e.endSend(err != nil)
	if err != nil {
		err = classify("upload", err)
		e.log.Error().Err(err).Str("filename", file.Name).Msg("upload failed")
		return models.Message{}, err
	}
	e.log.Debug().
		Str("media_url", uploaded.URL).
		Bool("duplicate", uploaded.IsDuplicate).
		Msg("media uploaded")

	messageType := models.MessageTypeFile
	if strings.HasPrefix(file.ContentType, "image/") {
		messageType = models.MessageTypeImage
	}
	if strings.TrimSpace(caption) == "" {
		caption = file.Name
	}

	return e.Send(ctx, models.MessageDraft{
		Content:           caption,
		MessageType:       messageType,
		MediaURL:          uploaded.URL,
		MediaThumbnailURL: uploaded.ThumbnailURL,
	})
}

// GetMessage fetches one message from the store.
func (e *Engine) GetMessage(ctx context.Context, id string) (models.Message, error) {
	if id == "" {
		return models.Message{}, NewError("get", ErrValidation, errors.New("message id is required"))
	}

	opCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	message, err := e.store.GetMessage(opCtx, id)
	if err != nil {
		return models.Message{}, classify("get", err)
	}
	return message, nil
}

// ForwardMessage copies a message into another conversation, reusing its
// media URLs. Encrypted messages are refused; forward their plaintext with
// ForwardCopy instead.
func (e *Engine) ForwardMessage(ctx context.Context, originalID, targetConversationID string) (models.Message, error) {
	original, err := e.GetMessage(ctx, originalID)
	if err != nil {
		return models.Message{}, err
	}
	return e.ForwardCopy(ctx, original, targetConversationID)
}

// ForwardCopy inserts a copy of original into the target conversation,
// recording where it first came from.
func (e *Engine) ForwardCopy(ctx context.Context, original models.Message, targetConversationID string) (models.Message, error) {
	if targetConversationID == "" {
		return models.Message{}, NewError("forward", ErrValidation, errors.New("target conversation is required"))
	}
	if original.IsEncrypted {
		return models.Message{}, NewError("forward", ErrValidation, errors.New("encrypted messages cannot be forwarded as ciphertext"))
	}

	forwardedFrom := original.ForwardedFrom
	if forwardedFrom == "" {
		forwardedFrom = original.SenderID
	}
	originalID := original.OriginalMessageID
	if originalID == "" {
		originalID = original.ID
	}

	opCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	message, err := e.store.InsertMessage(opCtx, models.MessageDraft{
		ConversationID:    targetConversationID,
		SenderID:          e.userID,
		Content:           original.Content,
		MessageType:       original.MessageType,
		MediaURL:          original.MediaURL,
		MediaThumbnailURL: original.MediaThumbnailURL,
		ForwardedFrom:     forwardedFrom,
		OriginalMessageID: originalID,
	})
	if err != nil {
		return models.Message{}, classify("forward", err)
	}

	if targetConversationID == e.conversationID {
		e.enqueue(message)
	}
	return message, nil
}

// EditMessage replaces the text of one of the local user's messages.
func (e *Engine) EditMessage(ctx context.Context, id, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, NewError("edit", ErrValidation, errors.New("message content is empty"))
	}
	return e.Edit(ctx, id, models.MessageEdit{Content: content})
}

// Edit applies a prepared edit. The store rejects edits by anyone but the sender.
func (e *Engine) Edit(ctx context.Context, id string, edit models.MessageEdit) (models.Message, error) {
	if id == "" {
		return models.Message{}, NewError("edit", ErrValidation, errors.New("message id is required"))
	}

	opCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	message, err := e.store.UpdateMessage(opCtx, id, e.userID, edit)
	if err != nil {
		return models.Message{}, classify("edit", err)
	}
	if message.ConversationID == e.conversationID {
		e.enqueue(message)
	}
	return message, nil
}

// DeleteMessage deletes one of the local user's messages. The list changes
// only after the store confirms.
func (e *Engine) DeleteMessage(ctx context.Context, id string) error {
	if id == "" {
		return NewError("delete", ErrValidation, errors.New("message id is required"))
	}

	opCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	if err := e.store.DeleteMessage(opCtx, id, e.userID); err != nil {
		err = classify("delete", err)
		e.log.Warn().Err(err).Str("message_id", id).Msg("delete rejected")
		return err
	}
	e.removeLocal(id)
	return nil
}

// Flush merges all buffered messages into the list immediately.
func (e *Engine) Flush() {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	e.stopTimerLocked()
	e.flushLocked()
	saved := cloneMessages(e.messages)
	e.mu.Unlock()

	e.notify()
	e.saveCache(context.Background(), saved)
}

func (e *Engine) flushLocked() {
	for _, m := range e.pending {
		e.messages = upsert(e.messages, m)
		e.arrived[m.ID] = struct{}{}
	}
	e.pending = nil
	models.SortAscending(e.messages)
	e.revision++
}

func (e *Engine) enqueue(message models.Message) {
	if message.ConversationID != "" && message.ConversationID != e.conversationID {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}

	e.pending = append(e.pending, message)
	e.stopTimerLocked()
	gen := e.timerGen
	e.timer = e.clock.AfterFunc(e.flushWindow, func() {
		e.flushTimer(gen)
	})
}

func (e *Engine) flushTimer(gen uint64) {
	e.mu.Lock()
	if e.disposed || gen != e.timerGen || len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.timerGen++
	e.flushLocked()
	saved := cloneMessages(e.messages)
	e.mu.Unlock()

	e.notify()
	e.saveCache(context.Background(), saved)
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

func (e *Engine) removeLocal(id string) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}

	changed := false
	kept := e.messages[:0]
	for _, m := range e.messages {
		if m.ID == id {
			changed = true
			continue
		}
		kept = append(kept, m)
	}
	e.messages = kept

	pending := e.pending[:0]
	for _, m := range e.pending {
		if m.ID != id {
			pending = append(pending, m)
		}
	}
	e.pending = pending
	delete(e.arrived, id)
	e.removed[id] = struct{}{}

	if !changed {
		e.mu.Unlock()
		return
	}
	e.revision++
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) withoutRemovedLocked(list []models.Message) []models.Message {
	if len(e.removed) == 0 {
		return list
	}
	kept := list[:0]
	for _, m := range list {
		if _, gone := e.removed[m.ID]; !gone {
			kept = append(kept, m)
		}
	}
	return kept
}

// beginSend marks a send in flight. Watchers hear about it only when the
// flag turns on and no flush is already due to report it.
func (e *Engine) beginSend() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return NewError("send", ErrDisposed, nil)
	}
	e.sending++
	announce := e.sending == 1 && len(e.pending) == 0
	e.mu.Unlock()
	if announce {
		e.notify()
	}
	return nil
}

// endSend clears one in-flight send. A successful send is followed by a
// flush that carries the cleared flag, so only failures notify.
func (e *Engine) endSend(failed bool) {
	e.mu.Lock()
	if e.sending > 0 {
		e.sending--
	}
	idle := e.sending == 0
	e.mu.Unlock()
	if failed && idle {
		e.notify()
	}
}

func (e *Engine) notify() {
	snapshot := e.Snapshot()

	e.watchMu.Lock()
	watchers := make([]func(Snapshot), 0, len(e.watchers))
	for _, fn := range e.watchers {
		watchers = append(watchers, fn)
	}
	e.watchMu.Unlock()

	for _, fn := range watchers {
		fn(snapshot)
	}
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		ConversationID: e.conversationID,
		Messages:       cloneMessages(e.messages),
		Loading:        e.loading,
		LoadingOlder:   e.loadingOlder,
		HasMore:        e.hasMore,
		Sending:        e.sending > 0,
		Stale:          e.stale,
		LastError:      e.lastErr,
		Revision:       e.revision,
	}
}

func (e *Engine) saveCache(ctx context.Context, messages []models.Message) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SaveConversation(ctx, e.conversationID, messages); err != nil {
		e.log.Warn().Err(err).Msg("write conversation cache")
	}
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, e.opTimeout)
}

// upsert replaces the message with the same id or appends it.
func upsert(list []models.Message, message models.Message) []models.Message {
	for i := range list {
		if list[i].ID == message.ID {
			list[i] = message
			return list
		}
	}
	return append(list, message)
}

// ascending reverses a newest-first page and sorts it by (CreatedAt, ID).
func ascending(page []models.Message) []models.Message {
	out := make([]models.Message, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	models.SortAscending(out)
	return out
}

func cloneMessages(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	copy(out, messages)
	return out
}
