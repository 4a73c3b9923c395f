package session

import (
	"log"
	"sync"
	"time"
)

const (
	KindNotAnImage  = "not_an_image"
	KindDecodeError = "decode_error"
)

// Notification is a one-shot alert about a dropped file.
type Notification struct {
	Name    string    `json:"name"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier is fire-and-forget; Notify is called on the session goroutine and
// must return promptly.
type Notifier interface {
	Notify(n Notification)
}

type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

func LogNotifier(logger *log.Logger) Notifier {
	return NotifierFunc(func(n Notification) {
		logger.Printf("notify name=%s kind=%s message=%q", n.Name, n.Kind, n.Message)
	})
}

// Inbox keeps the most recent notifications until a reader drains them.
type Inbox struct {
	mu    sync.Mutex
	limit int
	items []Notification
}

func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = 100
	}
	return &Inbox{limit: limit}
}

func (b *Inbox) Notify(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, n)
	if over := len(b.items) - b.limit; over > 0 {
		b.items = append(b.items[:0:0], b.items[over:]...)
	}
}

// Drain returns and clears everything held.
func (b *Inbox) Drain() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	if out == nil {
		out = []Notification{}
	}
	return out
}
