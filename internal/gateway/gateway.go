// Package gateway binds WebSocket connections to users and translates the
// client protocol into friend, conversation and subscription operations.
// Every connection owns the subscriptions it creates; disconnecting cancels
// them.
package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/friendchat/internal/chat"
	"github.com/whisper/friendchat/internal/friend"
	"github.com/whisper/friendchat/internal/protocol"
	"github.com/whisper/friendchat/internal/ratelimit"
	"github.com/whisper/friendchat/internal/session"
	"github.com/whisper/friendchat/internal/subscription"
	"github.com/whisper/friendchat/internal/ws"
	apperr "github.com/whisper/friendchat/pkg/errors"
)

const opTimeout = 5 * time.Second

// client is the per-connection state.
type client struct {
	mu     sync.Mutex
	userID string
	subs   map[string]subscription.Unsubscribe
}

func (c *client) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// drain removes and returns every subscription of the client.
func (c *client) drain() []subscription.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]subscription.Unsubscribe, 0, len(c.subs))
	for id, stop := range c.subs {
		out = append(out, stop)
		delete(c.subs, id)
	}
	return out
}

// sendGate serializes a subscription's pushes with its cancellation. Once
// close returns no further frame is written for the subscription.
type sendGate struct {
	mu     sync.Mutex
	closed bool
}

func (g *sendGate) send(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		fn()
	}
}

func (g *sendGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Gateway registers protocol handlers on a dispatcher and tracks client
// state per connection.
type Gateway struct {
	dispatcher *ws.MessageDispatcher
	chats      *chat.Store
	hub        *subscription.Hub
	sessions   *session.Store     // optional
	limiter    *ratelimit.Limiter // optional
	log        zerolog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

// New creates a Gateway. sessions and limiter may be nil.
func New(dispatcher *ws.MessageDispatcher, chats *chat.Store, hub *subscription.Hub, sessions *session.Store, limiter *ratelimit.Limiter, log zerolog.Logger) *Gateway {
	return &Gateway{
		dispatcher: dispatcher,
		chats:      chats,
		hub:        hub,
		sessions:   sessions,
		limiter:    limiter,
		log:        log.With().Str("component", "gateway").Logger(),
		clients:    make(map[string]*client),
	}
}

// Register installs a handler for every client message type except ping,
// which the dispatcher answers itself.
func (g *Gateway) Register() {
	g.dispatcher.Register(protocol.TypeIdentify, g.handleIdentify)
	g.dispatcher.Register(protocol.TypeSubscribeFriends, g.handleSubscribeFriends)
	g.dispatcher.Register(protocol.TypeSubscribeConversations, g.handleSubscribeConversations)
	g.dispatcher.Register(protocol.TypeSubscribeMessages, g.handleSubscribeMessages)
	g.dispatcher.Register(protocol.TypeUnsubscribe, g.handleUnsubscribe)
	g.dispatcher.Register(protocol.TypeSendMessage, g.handleSendMessage)
	g.dispatcher.Register(protocol.TypeMarkRead, g.handleMarkRead)
}

// Disconnect cancels every subscription of the connection and forgets it.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	c, ok := g.clients[connID]
	delete(g.clients, connID)
	g.mu.Unlock()
	if !ok {
		return
	}

	stops := c.drain()
	for _, stop := range stops {
		stop()
	}
	g.log.Debug().Str("session", connID).Int("subscriptions", len(stops)).Msg("client detached")
}

func (g *Gateway) client(connID string) *client {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[connID]
	if !ok {
		c = &client{subs: make(map[string]subscription.Unsubscribe)}
		g.clients[connID] = c
	}
	return c
}

// identified returns the connection's user, or sends not_identified and
// returns "".
func (g *Gateway) identified(conn *ws.Connection) string {
	userID := g.client(conn.ID).user()
	if userID == "" {
		g.dispatcher.SendError(conn, protocol.CodeNotIdentified, "identify first", "")
	}
	return userID
}

func (g *Gateway) sendErr(conn *ws.Connection, err error, ref string) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		g.log.Error().Err(err).Str("session", conn.ID).Msg("request failed")
	}
	g.dispatcher.SendError(conn, string(code), apperr.MessageOf(err), ref)
}

// ---------------------------------------------------------------------------
// identify
// ---------------------------------------------------------------------------

func (g *Gateway) handleIdentify(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.IdentifyMsg)
	if !ok {
		return
	}
	userID := strings.TrimSpace(m.UserID)
	if userID == "" {
		g.sendErr(conn, apperr.ErrMissingUserID, "")
		return
	}

	c := g.client(conn.ID)
	c.mu.Lock()
	previous := c.userID
	c.userID = userID
	c.mu.Unlock()

	// Switching users drops the old user's subscriptions.
	if previous != "" && previous != userID {
		for _, stop := range c.drain() {
			stop()
		}
	}

	if g.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if err := g.sessions.Identify(ctx, conn.ID, userID); err != nil {
			g.log.Warn().Err(err).Str("session", conn.ID).Msg("failed to record identity")
		}
		cancel()
	}

	g.log.Info().Str("session", conn.ID).Str("user", userID).Msg("identified")
	g.dispatcher.Send(conn, protocol.TypeIdentified, protocol.IdentifiedMsg{UserID: userID})
}

// ---------------------------------------------------------------------------
// subscriptions
// ---------------------------------------------------------------------------

func (g *Gateway) handleSubscribeFriends(conn *ws.Connection, msg interface{}) {
	userID := g.identified(conn)
	if userID == "" {
		return
	}
	g.subscribe(conn, protocol.TypeSubscribeFriends, func(subID string, gate *sendGate) (subscription.Unsubscribe, error) {
		return g.hub.ListenFriends(userID, func(edges []friend.Edge) {
			gate.send(func() {
				g.dispatcher.Send(conn, protocol.TypeFriends, protocol.FriendsMsg{
					SubscriptionID: subID,
					Friends:        edges,
				})
			})
		})
	})
}

func (g *Gateway) handleSubscribeConversations(conn *ws.Connection, msg interface{}) {
	userID := g.identified(conn)
	if userID == "" {
		return
	}
	g.subscribe(conn, protocol.TypeSubscribeConversations, func(subID string, gate *sendGate) (subscription.Unsubscribe, error) {
		return g.hub.ListenConversations(userID, func(convs []*chat.Conversation) {
			gate.send(func() {
				g.dispatcher.Send(conn, protocol.TypeConversations, protocol.ConversationsMsg{
					SubscriptionID: subID,
					Conversations:  convs,
				})
			})
		})
	})
}

func (g *Gateway) handleSubscribeMessages(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SubscribeMessagesMsg)
	if !ok {
		return
	}
	userID := g.identified(conn)
	if userID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	_, err := g.chats.GetForUser(ctx, m.ConversationID, userID)
	cancel()
	if err != nil {
		g.sendErr(conn, err, "")
		return
	}

	g.subscribe(conn, protocol.TypeSubscribeMessages, func(subID string, gate *sendGate) (subscription.Unsubscribe, error) {
		return g.hub.ListenMessages(m.ConversationID, m.Limit, func(msgs []*chat.Message) {
			gate.send(func() {
				g.dispatcher.Send(conn, protocol.TypeMessages, protocol.MessagesMsg{
					SubscriptionID: subID,
					ConversationID: m.ConversationID,
					Messages:       msgs,
				})
			})
		})
	})
}

// subscribe acknowledges a new subscription id, starts the listener and
// records it on the connection. The acknowledgement always precedes the
// first snapshot, and no snapshot follows the subscription's cancellation.
func (g *Gateway) subscribe(conn *ws.Connection, topic string, start func(subID string, gate *sendGate) (subscription.Unsubscribe, error)) {
	c := g.client(conn.ID)
	subID := uuid.New().String()
	g.dispatcher.Send(conn, protocol.TypeSubscribed, protocol.SubscribedMsg{
		SubscriptionID: subID,
		Topic:          topic,
	})

	gate := &sendGate{}
	listening, err := start(subID, gate)
	if err != nil {
		g.sendErr(conn, err, subID)
		return
	}
	stop := func() {
		gate.close()
		listening()
	}

	c.mu.Lock()
	c.subs[subID] = stop
	c.mu.Unlock()

	// The connection may have gone away while the listener started.
	g.mu.Lock()
	alive := g.clients[conn.ID] == c
	g.mu.Unlock()
	if !alive {
		stop()
	}
}

func (g *Gateway) handleUnsubscribe(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.UnsubscribeMsg)
	if !ok {
		return
	}

	c := g.client(conn.ID)
	c.mu.Lock()
	stop, found := c.subs[m.SubscriptionID]
	delete(c.subs, m.SubscriptionID)
	c.mu.Unlock()

	if !found {
		g.dispatcher.SendError(conn, protocol.CodeUnknownSub, "unknown subscription", m.SubscriptionID)
		return
	}
	stop()
	g.dispatcher.Send(conn, protocol.TypeUnsubscribed, protocol.UnsubscribedMsg{SubscriptionID: m.SubscriptionID})
}

// ---------------------------------------------------------------------------
// commands
// ---------------------------------------------------------------------------

func (g *Gateway) handleSendMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	userID := g.identified(conn)
	if userID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if g.limiter != nil {
		if allowed, _ := g.limiter.Allow(ctx, userID, ratelimit.RuleSend); !allowed {
			retry := g.limiter.RetryAfter(ctx, userID, ratelimit.RuleSend)
			g.dispatcher.Send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(retry.Round(time.Second) / time.Second),
			})
			return
		}
	}

	if strings.TrimSpace(m.Text) == "" {
		g.sendErr(conn, apperr.InvalidArg("message text is required"), m.Ref)
		return
	}

	sent, err := g.chats.Send(ctx, userID, m.To, m.Text)
	if err != nil {
		g.sendErr(conn, err, m.Ref)
		return
	}
	g.dispatcher.Send(conn, protocol.TypeMessageSent, protocol.MessageSentMsg{
		Ref:     m.Ref,
		Message: sent,
	})
}

// handleMarkRead has no direct reply; the caller's conversation
// subscription reflects the cleared counter.
func (g *Gateway) handleMarkRead(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.MarkReadMsg)
	if !ok {
		return
	}
	userID := g.identified(conn)
	if userID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := g.chats.MarkRead(ctx, m.ConversationID, userID); err != nil {
		g.sendErr(conn, err, "")
	}
}
