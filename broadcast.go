package fieldsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// MessageSessionInvalidated tells every orchestrator sharing a store to stop.
const MessageSessionInvalidated = "session-invalidated"

// broadcastFile is the append-only signal log inside a store directory.
const broadcastFile = "broadcast.jsonl"

// maxBroadcastLog is the size past which the signal log is truncated before the next append.
const maxBroadcastLog = 64 * 1024

// Message is a cross-process signal.
type Message struct {
	Type   string           `json:"type"`
	Origin string           `json:"origin"`
	Reason SessionEndReason `json:"reason,omitempty"`
	At     time.Time        `json:"at"`
}

// Broadcaster delivers messages to every process sharing a store.
type Broadcaster interface {
	// Origin identifies this endpoint; messages carry it so receivers can ignore their own.
	Origin() string
	// Publish sends msg. An empty msg.Origin is filled with Origin().
	Publish(msg Message) error
	// Subscribe returns a channel of received messages and a function to unsubscribe.
	Subscribe() (<-chan Message, func())
	Close() error
}

type fanout struct {
	mu     sync.Mutex
	subs   map[int]chan Message
	next   int
	closed bool
}

func (f *fanout) subscribe() (<-chan Message, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Message, 8)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	if f.subs == nil {
		f.subs = make(map[int]chan Message)
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

// deliver never blocks; a subscriber with a full buffer misses the message.
func (f *fanout) deliver(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// LocalBroadcast delivers messages to subscribers in this process only.
type LocalBroadcast struct {
	origin string
	fanout
}

// NewLocalBroadcast creates an in-process broadcaster.
func NewLocalBroadcast() *LocalBroadcast {
	return &LocalBroadcast{origin: uuid.NewString()}
}

func (b *LocalBroadcast) Origin() string { return b.origin }

func (b *LocalBroadcast) Publish(msg Message) error {
	if msg.Origin == "" {
		msg.Origin = b.origin
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	b.deliver(msg)
	return nil
}

func (b *LocalBroadcast) Subscribe() (<-chan Message, func()) { return b.subscribe() }

func (b *LocalBroadcast) Close() error {
	b.close()
	return nil
}

// FileBroadcast shares messages between processes through an append-only
// file in the store directory, watched with fsnotify.
type FileBroadcast struct {
	origin  string
	path    string
	watcher *fsnotify.Watcher
	debug   *DebugLogger
	fanout

	readMu sync.Mutex
	offset int64

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewFileBroadcast starts watching dir for messages published by other processes.
// Messages already in the file are not replayed.
func NewFileBroadcast(dir string, debug *DebugLogger) (*FileBroadcast, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("broadcast: create directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("broadcast: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("broadcast: watch %s: %w", dir, err)
	}

	b := &FileBroadcast{
		origin:  uuid.NewString(),
		path:    filepath.Join(dir, broadcastFile),
		watcher: watcher,
		debug:   debug,
		done:    make(chan struct{}),
	}
	if info, err := os.Stat(b.path); err == nil {
		b.offset = info.Size()
	}

	b.wg.Add(1)
	go b.processEvents()
	return b, nil
}

func (b *FileBroadcast) Origin() string { return b.origin }

func (b *FileBroadcast) Subscribe() (<-chan Message, func()) { return b.subscribe() }

// Publish appends msg to the signal log.
func (b *FileBroadcast) Publish(msg Message) error {
	if msg.Origin == "" {
		msg.Origin = b.origin
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broadcast: encode: %w", err)
	}
	line = append(line, '\n')

	if info, err := os.Stat(b.path); err == nil && info.Size() > maxBroadcastLog {
		if err := os.Truncate(b.path, 0); err != nil {
			return fmt.Errorf("broadcast: truncate: %w", err)
		}
	}

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("broadcast: open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("broadcast: write: %w", err)
	}
	return nil
}

// Close stops watching and closes every subscription.
func (b *FileBroadcast) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.watcher.Close()
		b.wg.Wait()
		b.close()
	})
	return err
}

func (b *FileBroadcast) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return

		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != b.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := b.readNew(); err != nil {
				b.debug.LogError("broadcast read", err)
			}

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.debug.LogError("broadcast watch", err)
		}
	}
}

// readNew delivers every complete line appended since the last read.
func (b *FileBroadcast) readNew() error {
	b.readMu.Lock()
	defer b.readMu.Unlock()

	f, err := os.Open(b.path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < b.offset {
		b.offset = 0
	}
	if _, err := f.Seek(b.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil
	}
	b.offset += int64(end + 1)

	for _, line := range bytes.Split(data[:end], []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			b.debug.LogError("broadcast decode", err)
			continue
		}
		b.deliver(msg)
	}
	return nil
}
