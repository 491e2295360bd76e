// Package relay fans events out to named groups of live connections.
//
// Every connection joins the identity group named after its user, so a
// broadcast addressed to a user reaches all of that user's devices. Chat
// topic groups hold the connections that currently have a chat open.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"listing-chat/internal/logging"
	"listing-chat/internal/observability"
)

var (
	// ErrIdentityConflict is returned when a connection that already joined
	// one identity group tries to join another.
	ErrIdentityConflict = errors.New("connection already joined a different identity")
	// ErrDeliveryDropped marks a member whose send buffer was full or closed.
	ErrDeliveryDropped = errors.New("relay delivery dropped")
)

// Sink is one live connection. Send must not block: it returns false when
// the payload cannot be queued.
type Sink interface {
	ID() string
	Send(payload []byte) bool
}

// Result summarizes one broadcast.
type Result struct {
	Delivered int
	Dropped   int
}

// Router holds identity and topic groups.
type Router struct {
	mu         sync.RWMutex
	identities map[string]map[string]Sink
	identityOf map[string]string
	topics     map[string]map[string]Sink
	topicsOf   map[string]map[string]struct{}
	log        zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		identities: make(map[string]map[string]Sink),
		identityOf: make(map[string]string),
		topics:     make(map[string]map[string]Sink),
		topicsOf:   make(map[string]map[string]struct{}),
		log:        logging.WithComponent("relay"),
	}
}

// JoinIdentity adds the sink to the user's identity group. Joining the same
// group again is a no-op.
func (r *Router) JoinIdentity(userID string, sink Sink) error {
	if userID == "" {
		return errors.New("identity is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := sink.ID()
	if current, ok := r.identityOf[connID]; ok {
		if current != userID {
			return fmt.Errorf("%w: %s", ErrIdentityConflict, current)
		}
		return nil
	}
	r.identityOf[connID] = userID
	addMember(r.identities, userID, sink)
	return nil
}

// JoinTopic adds the sink to a topic group.
func (r *Router) JoinTopic(topic string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := sink.ID()
	addMember(r.topics, topic, sink)
	joined, ok := r.topicsOf[connID]
	if !ok {
		joined = make(map[string]struct{})
		r.topicsOf[connID] = joined
	}
	joined[topic] = struct{}{}
}

// LeaveTopic removes the connection from a single topic group.
func (r *Router) LeaveTopic(topic, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removeMember(r.topics, topic, connID)
	if joined, ok := r.topicsOf[connID]; ok {
		delete(joined, topic)
		if len(joined) == 0 {
			delete(r.topicsOf, connID)
		}
	}
}

// Leave removes the connection from its identity group and every topic.
func (r *Router) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if userID, ok := r.identityOf[connID]; ok {
		removeMember(r.identities, userID, connID)
		delete(r.identityOf, connID)
	}
	for topic := range r.topicsOf[connID] {
		removeMember(r.topics, topic, connID)
	}
	delete(r.topicsOf, connID)
}

// Broadcast delivers the event to every connection of the given users. A
// connection is written at most once even if its user is listed twice.
func (r *Router) Broadcast(ctx context.Context, event Event, userIDs ...string) Result {
	r.mu.RLock()
	var sinks []Sink
	seen := make(map[string]struct{})
	for _, userID := range userIDs {
		for connID, sink := range r.identities[userID] {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			sinks = append(sinks, sink)
		}
	}
	r.mu.RUnlock()

	return r.deliver(ctx, event, sinks)
}

// BroadcastTopic delivers the event to every member of a topic group.
func (r *Router) BroadcastTopic(ctx context.Context, topic string, event Event) Result {
	r.mu.RLock()
	members := r.topics[topic]
	sinks := make([]Sink, 0, len(members))
	for _, sink := range members {
		sinks = append(sinks, sink)
	}
	r.mu.RUnlock()

	return r.deliver(ctx, event, sinks)
}

func (r *Router) deliver(ctx context.Context, event Event, sinks []Sink) Result {
	var res Result
	if len(sinks) == 0 {
		return res
	}
	payload, err := json.Marshal(event)
	if err != nil {
		r.log.Error().Err(err).Str("event", event.Name).Msg("encode relay event")
		return res
	}
	for _, sink := range sinks {
		if sink.Send(payload) {
			res.Delivered++
			continue
		}
		res.Dropped++
		logging.Ctx(ctx).Warn().
			Err(fmt.Errorf("%w: conn %s", ErrDeliveryDropped, sink.ID())).
			Str("event", event.Name).
			Msg("relay delivery dropped")
	}
	observability.ObserveRelay(event.Name, res.Delivered, res.Dropped)
	return res
}

// IdentitySize returns the number of connections in a user's identity group.
func (r *Router) IdentitySize(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities[userID])
}

// TopicSize returns the number of connections in a topic group.
func (r *Router) TopicSize(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Close drops every group.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities = make(map[string]map[string]Sink)
	r.identityOf = make(map[string]string)
	r.topics = make(map[string]map[string]Sink)
	r.topicsOf = make(map[string]map[string]struct{})
}

func addMember(groups map[string]map[string]Sink, name string, sink Sink) {
	members, ok := groups[name]
	if !ok {
		members = make(map[string]Sink)
		groups[name] = members
	}
	members[sink.ID()] = sink
}

func removeMember(groups map[string]map[string]Sink, name, connID string) {
	members, ok := groups[name]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(groups, name)
	}
}
