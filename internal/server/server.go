package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-dmchat/internal/messages"
	"github.com/npezzotti/go-dmchat/internal/stats"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/rs/zerolog"
)

const (
	NumActiveClients = "NumActiveClients"
	NumActiveRooms   = "NumActiveRooms"
	EventsDelivered  = "EventsDelivered"
	EventsDropped    = "EventsDropped"

	relayPublishTimeout = 2 * time.Second
	relayRetryMin       = 500 * time.Millisecond
	relayRetryMax       = 30 * time.Second
)

// MessageWriter persists a message sent over a websocket connection.
type MessageWriter interface {
	CreateMessage(ctx context.Context, params messages.CreateMessageParams) (types.Message, error)
}

// Relay fans messages out to every server instance, this one included.
// Subscribe blocks until ctx is done or the subscription fails, and calls
// ready once messages will reach handler.
type Relay interface {
	Publish(ctx context.Context, msg types.Message) error
	Subscribe(ctx context.Context, handler func(types.Message), ready func()) error
}

// ChatServer maps user ids to the live connections joined to that user's
// room. Joins and leaves are applied by the Run loop only.
type ChatServer struct {
	log          zerolog.Logger
	writer       MessageWriter
	stats        stats.StatsProvider
	relay        Relay
	subscribed   atomic.Bool
	mu           sync.RWMutex
	clients      map[*Client]struct{}
	userMap      map[int]map[*Client]struct{}
	memberOf     map[*Client]map[int]struct{}
	registerChan chan *Client
	joinChan     chan *joinReq
	leaveChan    chan *leaveReq
	stop         chan stopReq
	done         chan struct{}
}

type joinReq struct {
	client *Client
	userId int
	result chan error
}

type leaveReq struct {
	client     *Client
	unregister bool
	done       chan struct{}
}

type stopReq struct {
	done chan struct{}
}

// NewChatServer creates a chat server. relay may be nil, in which case
// messages are only delivered to connections on this instance.
func NewChatServer(logger zerolog.Logger, writer MessageWriter, su stats.StatsProvider, relay Relay) (*ChatServer, error) {
	if writer == nil {
		return nil, errors.New("message writer is required")
	}

	cs := &ChatServer{
		log:          logger,
		writer:       writer,
		stats:        su,
		relay:        relay,
		clients:      make(map[*Client]struct{}),
		userMap:      make(map[int]map[*Client]struct{}),
		memberOf:     make(map[*Client]map[int]struct{}),
		registerChan: make(chan *Client),
		joinChan:     make(chan *joinReq),
		leaveChan:    make(chan *leaveReq),
		stop:         make(chan stopReq),
		done:         make(chan struct{}),
	}

	for _, name := range []string{NumActiveClients, NumActiveRooms, EventsDelivered, EventsDropped} {
		su.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cs.relay != nil {
		go cs.subscribe(ctx)
	}

	for {
		select {
		case c := <-cs.registerChan:
			cs.addClient(c)
		case req := <-cs.joinChan:
			req.result <- cs.join(req.client, req.userId)
		case req := <-cs.leaveChan:
			cs.leave(req.client)
			if req.unregister {
				cs.removeClient(req.client)
			}
			close(req.done)
		case req := <-cs.stop:
			cs.log.Info().Msg("shutting down chat server")
			cs.mu.RLock()
			for c := range cs.clients {
				c.stopClient()
			}
			cs.mu.RUnlock()

			close(cs.done)
			close(req.done)
			return
		}
	}
}

// subscribe keeps a relay subscription open until ctx is done, retrying
// with backoff whenever it fails.
func (cs *ChatServer) subscribe(ctx context.Context) {
	backoff := relayRetryMin
	for {
		err := cs.relay.Subscribe(ctx, cs.deliverLocal, func() {
			cs.subscribed.Store(true)
		})
		established := cs.subscribed.Swap(false)
		if ctx.Err() != nil {
			return
		}

		if established {
			backoff = relayRetryMin
		}
		cs.log.Error().Err(err).Dur("retry_in", backoff).Msg("relay subscription ended")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, relayRetryMax)
	}
}

// RegisterClient tracks a new connection so it can be stopped on shutdown.
func (cs *ChatServer) RegisterClient(c *Client) error {
	select {
	case cs.registerChan <- c:
		return nil
	case <-cs.done:
		return ErrServerStopped
	}
}

// Join adds the connection to the room of userId. Joining twice is a no-op.
func (cs *ChatServer) Join(c *Client, userId int) error {
	if userId <= 0 {
		return ErrInvalidUserId
	}

	req := &joinReq{client: c, userId: userId, result: make(chan error, 1)}
	select {
	case cs.joinChan <- req:
	case <-cs.done:
		return ErrServerStopped
	}

	return <-req.result
}

// Leave removes the connection from every room. It is safe to call more
// than once and returns after the removal has been applied.
func (cs *ChatServer) Leave(c *Client) {
	cs.sendLeave(&leaveReq{client: c, done: make(chan struct{})})
}

// UnregisterClient leaves every room and stops tracking the connection.
func (cs *ChatServer) UnregisterClient(c *Client) {
	cs.sendLeave(&leaveReq{client: c, unregister: true, done: make(chan struct{})})
}

func (cs *ChatServer) sendLeave(req *leaveReq) {
	select {
	case cs.leaveChan <- req:
	case <-cs.done:
		return
	}

	<-req.done
}

// MembersOf returns a copy of the connections currently joined to userId.
func (cs *ChatServer) MembersOf(userId int) []*Client {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	members := make([]*Client, 0, len(cs.userMap[userId]))
	for c := range cs.userMap[userId] {
		members = append(members, c)
	}

	return members
}

// Deliver pushes msg to every connection joined to the sender's or the
// receiver's room. Users with no connections are skipped; nothing is queued
// for them. Messages go through the relay only while this instance is
// subscribed to it, so local connections never depend on a dead subscription.
func (cs *ChatServer) Deliver(msg types.Message) {
	if cs.relay != nil && cs.subscribed.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
		defer cancel()

		err := cs.relay.Publish(ctx, msg)
		if err == nil {
			return
		}

		cs.log.Warn().Err(err).Int64("message_id", msg.Id).Msg("relay publish failed, delivering locally")
	}

	cs.deliverLocal(msg)
}

func (cs *ChatServer) deliverLocal(msg types.Message) {
	event := NewMessageEvent(msg)

	var delivered, dropped int
	cs.mu.RLock()
	seen := make(map[*Client]struct{})
	for _, userId := range msg.Participants() {
		for c := range cs.userMap[userId] {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}

			if c.queueMessage(event) {
				delivered++
			} else {
				dropped++
			}
		}
	}
	cs.mu.RUnlock()

	if dropped > 0 {
		cs.log.Warn().Int64("message_id", msg.Id).Int("dropped", dropped).Msg("connections not keeping up, events dropped")
	}

	for range delivered {
		cs.stats.Incr(EventsDelivered)
	}
	for range dropped {
		cs.stats.Incr(EventsDropped)
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if c.left {
		return
	}
	if _, ok := cs.clients[c]; ok {
		return
	}

	cs.clients[c] = struct{}{}
	cs.stats.Incr(NumActiveClients)
	cs.log.Debug().Str("conn_id", c.id).Msg("connection registered")
}

func (cs *ChatServer) join(c *Client, userId int) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if c.left {
		return ErrConnectionLeft
	}

	room, ok := cs.userMap[userId]
	if !ok {
		room = make(map[*Client]struct{})
		cs.userMap[userId] = room
		cs.stats.Incr(NumActiveRooms)
	}
	room[c] = struct{}{}

	rooms, ok := cs.memberOf[c]
	if !ok {
		rooms = make(map[int]struct{})
		cs.memberOf[c] = rooms
	}
	rooms[userId] = struct{}{}

	cs.log.Debug().Str("conn_id", c.id).Int("user_id", userId).Msg("connection joined room")
	return nil
}

func (cs *ChatServer) leave(c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for userId := range cs.memberOf[c] {
		room := cs.userMap[userId]
		delete(room, c)
		if len(room) == 0 {
			delete(cs.userMap, userId)
			cs.stats.Decr(NumActiveRooms)
		}
	}
	delete(cs.memberOf, c)

	if !c.left {
		c.left = true
		cs.log.Debug().Str("conn_id", c.id).Msg("connection left")
	}
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(NumActiveClients)
		cs.log.Debug().Str("conn_id", c.id).Msg("connection unregistered")
	}
}

// Shutdown stops every connection and the run loop, waiting until both
// are done or ctx expires.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info().Msg("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
