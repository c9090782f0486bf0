package bus

import (
	"log"
	"strings"
	"sync"
)

// MessageHandler receives raw messages from a transport
type MessageHandler func(topic string, payload []byte)

// Transport moves raw payloads between topics.  Handlers for one
// subscription are called in publish order.
type Transport interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
	Close() error
}

// Topics builds the topic names used by a bus with a given prefix
type Topics struct {
	Prefix string
}

func (t Topics) join(parts ...string) string {
	if t.Prefix == "" {
		return strings.Join(parts, "/")
	}
	return t.Prefix + "/" + strings.Join(parts, "/")
}

// Command is the topic an actor receives commands on
func (t Topics) Command(actor string) string { return t.join(actor, "command") }

// Reply is the topic a commander receives replies on
func (t Topics) Reply(commander string) string { return t.join(commander, "reply") }

// Status is the topic an actor broadcasts unsolicited replies on
func (t Topics) Status(actor string) string { return t.join(actor, "status") }

// Match reports whether topic matches an MQTT style filter with + and # wildcards
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

const loopbackQueue = 1024

type message struct {
	topic   string
	payload []byte
}

type loopbackSub struct {
	filter  string
	handler MessageHandler
	queue   chan message
	done    chan struct{}
}

func (s *loopbackSub) run() {
	defer close(s.done)
	for m := range s.queue {
		deliver(s.handler, m)
	}
}

func deliver(h MessageHandler, m message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus: handler for %s panicked: %v\n", m.topic, r)
		}
	}()
	h(m.topic, m.payload)
}

// Loopback is an in-process Transport.  Each subscription has its own
// goroutine and queue, so a slow handler never blocks publishers on other
// topics.
type Loopback struct {
	mu     sync.RWMutex
	subs   []*loopbackSub
	closed bool
}

// NewLoopback returns a ready to use in-process transport
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Publish delivers payload to every matching subscription
func (l *Loopback) Publish(topic string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	for _, s := range l.subs {
		if Match(s.filter, topic) {
			buf := make([]byte, len(payload))
			copy(buf, payload)
			s.queue <- message{topic: topic, payload: buf}
		}
	}
	return nil
}

// Subscribe registers handler for a topic filter
func (l *Loopback) Subscribe(topic string, handler MessageHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	s := &loopbackSub{
		filter:  topic,
		handler: handler,
		queue:   make(chan message, loopbackQueue),
		done:    make(chan struct{}),
	}
	l.subs = append(l.subs, s)
	go s.run()
	return nil
}

// Close stops every subscription after its queue drains
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	for _, s := range subs {
		close(s.queue)
		<-s.done
	}
	return nil
}
