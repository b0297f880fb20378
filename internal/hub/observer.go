package hub

import (
	"errors"
	"sync"

	"mcpanel/internal/protocol"
)

var (
	ErrObserverClosed = errors.New("observer closed")
	ErrObserverSlow   = errors.New("observer buffer full")
)

// Observer receives published events. Send must not block: an observer that
// cannot accept an event returns an error and is dropped by the hub.
type Observer interface {
	ID() string
	// Identity is the username the observer authenticated as, or "".
	Identity() string
	Send(ev protocol.Event) error
}

// ChanObserver delivers events into a buffered channel. A full buffer closes
// the observer.
type ChanObserver struct {
	id       string
	identity string

	mu     sync.Mutex
	ch     chan protocol.Event
	closed bool
}

func NewChanObserver(id, identity string, buffer int) *ChanObserver {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChanObserver{
		id:       id,
		identity: identity,
		ch:       make(chan protocol.Event, buffer),
	}
}

func (o *ChanObserver) ID() string       { return o.id }
func (o *ChanObserver) Identity() string { return o.identity }

// Events is closed once the observer is closed or dropped.
func (o *ChanObserver) Events() <-chan protocol.Event {
	return o.ch
}

func (o *ChanObserver) Send(ev protocol.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrObserverClosed
	}
	select {
	case o.ch <- ev:
		return nil
	default:
		o.closed = true
		close(o.ch)
		return ErrObserverSlow
	}
}

// Close is idempotent.
func (o *ChanObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}
