package ensemble

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer receives lifecycle events emitted by an Application. Events use
// the CloudEvents specification.
type Observer interface {
	// OnEvent is called for each event the observer subscribed to.
	// Observers should return quickly; slow work belongs on the task
	// server.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier used for registration
	// tracking and logging.
	ObserverID() string
}

// ObserverInfo describes a registered observer for diagnostics.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// FunctionalObserver wraps a plain function as an Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer that delegates to handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string { return f.id }

type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// observerSet manages observer registrations and event fan-out. Delivery is
// asynchronous and panic-isolated so a misbehaving observer can never stall
// or fail the lifecycle that emitted the event.
type observerSet struct {
	logger Logger

	mu        sync.RWMutex
	observers map[string]*observerRegistration
}

func newObserverSet(logger Logger) *observerSet {
	return &observerSet{
		logger:    logger,
		observers: make(map[string]*observerRegistration),
	}
}

func (s *observerSet) register(observer Observer, eventTypes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	typeSet := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		typeSet[t] = true
	}
	s.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   typeSet,
		registeredAt: time.Now(),
	}
	s.logger.Debug("observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
}

func (s *observerSet) unregister(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.observers[observer.ObserverID()]; ok {
		delete(s.observers, observer.ObserverID())
		s.logger.Debug("observer unregistered", "observerID", observer.ObserverID())
	}
}

func (s *observerSet) notify(ctx context.Context, event cloudevents.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	for _, reg := range s.observers {
		if len(reg.eventTypes) > 0 && !reg.eventTypes[event.Type()] {
			continue
		}
		reg := reg
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("observer panicked",
						"observerID", reg.observer.ObserverID(), "event", event.Type(), "panic", r)
				}
			}()
			if err := reg.observer.OnEvent(ctx, event); err != nil {
				s.logger.Error("observer error",
					"observerID", reg.observer.ObserverID(), "event", event.Type(), "error", err)
			}
		}()
	}
}

func (s *observerSet) info() []ObserverInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ObserverInfo, 0, len(s.observers))
	for _, reg := range s.observers {
		types := make([]string, 0, len(reg.eventTypes))
		for t := range reg.eventTypes {
			types = append(types, t)
		}
		infos = append(infos, ObserverInfo{
			ID:           reg.observer.ObserverID(),
			EventTypes:   types,
			RegisteredAt: reg.registeredAt,
		})
	}
	return infos
}
