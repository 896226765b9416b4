package tracking

import (
	"sync"

	"go.uber.org/zap"
)

// subscriptions is the type→handler-set registry. Every add returns an
// unsubscribe closure keyed by a registration id, so handlers never leak
// across component teardown.
type subscriptions struct {
	mu     sync.Mutex
	nextID int
	byType map[MessageType]map[int]Handler
	conn   map[int]func(State)
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		byType: make(map[MessageType]map[int]Handler),
		conn:   make(map[int]func(State)),
	}
}

func (s *subscriptions) add(t MessageType, h Handler) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	set, ok := s.byType[t]
	if !ok {
		set = make(map[int]Handler)
		s.byType[t] = set
	}
	set[id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if set, ok := s.byType[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.byType, t)
			}
		}
		s.mu.Unlock()
	}
}

func (s *subscriptions) addConn(h func(State)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.conn[id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.conn, id)
		s.mu.Unlock()
	}
}

// dispatch delivers msg to every handler registered for its type. A
// panicking handler is logged and skipped; it cannot break dispatch to the
// others.
func (s *subscriptions) dispatch(msg Message, log *zap.Logger) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.byType[msg.Type]))
	for _, h := range s.byType[msg.Type] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("tracking handler panicked",
						zap.String("type", string(msg.Type)), zap.Any("panic", r))
				}
			}()
			h(msg)
		}()
	}
}

func (s *subscriptions) notifyConnection(st State, log *zap.Logger) {
	s.mu.Lock()
	handlers := make([]func(State), 0, len(s.conn))
	for _, h := range s.conn {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("connection handler panicked", zap.Any("panic", r))
				}
			}()
			h(st)
		}()
	}
}
