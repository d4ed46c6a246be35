// Package httpapi exposes the friend graph, conversations and contact
// discovery as a JSON REST API. The caller is identified by the X-User-ID
// header, set by the authenticating proxy in front of the service.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/whisper/friendchat/internal/chat"
	"github.com/whisper/friendchat/internal/contacts"
	"github.com/whisper/friendchat/internal/friend"
	"github.com/whisper/friendchat/internal/profile"
	"github.com/whisper/friendchat/internal/ratelimit"
	apperr "github.com/whisper/friendchat/pkg/errors"
)

// UserHeader carries the authenticated caller id.
const UserHeader = "X-User-ID"

const userKey = "userID"

// Friends manages the caller's friend list.
type Friends interface {
	AddFriend(ctx context.Context, ownerID, friendID string) error
	RemoveFriend(ctx context.Context, ownerID, friendID string) error
	ListFriends(ctx context.Context, ownerID string) ([]friend.Edge, error)
	FriendIDs(ctx context.Context, ownerID string) ([]string, error)
}

// Conversations reads and writes conversations and messages.
type Conversations interface {
	Ensure(ctx context.Context, a, b string) (string, error)
	GetForUser(ctx context.Context, id, userID string) (*chat.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*chat.Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*chat.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string) error
	Send(ctx context.Context, senderID, recipientID, text string) (*chat.Message, error)
}

// Contacts matches phone numbers against the directory.
type Contacts interface {
	FindMatches(ctx context.Context, phoneNumbers, excludeIDs []string) ([]contacts.Match, error)
}

// Users searches the directory.
type Users interface {
	SearchUsersByName(ctx context.Context, query string, limit int) ([]profile.UserRecord, error)
}

// Limiter throttles callers. A nil Limiter disables throttling.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Options configures an API.
type Options struct {
	Friends       Friends
	Conversations Conversations
	Contacts      Contacts
	Users         Users
	Limiter       Limiter
	Logger        zerolog.Logger

	MessageWindow int // default messages limit
	SearchLimit   int // maximum user search results
}

// API serves the REST endpoints.
type API struct {
	opts Options
	log  zerolog.Logger
	val  *requestValidator
	echo *echo.Echo
}

// New builds the API and its routes.
func New(opts Options) *API {
	if opts.MessageWindow <= 0 {
		opts.MessageWindow = chat.DefaultMessageLimit
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 20
	}

	a := &API{
		opts: opts,
		log:  opts.Logger.With().Str("component", "httpapi").Logger(),
		val:  newValidator(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = a.val
	e.HTTPErrorHandler = a.handleError
	e.Use(middleware.Recover())
	e.Use(a.requestLogger)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api/v1")
	api.Use(requireUser)

	api.GET("/friends", a.listFriends)
	api.POST("/friends", a.addFriend)
	api.DELETE("/friends/:id", a.removeFriend)

	api.GET("/conversations", a.listConversations)
	api.POST("/conversations", a.ensureConversation)
	api.GET("/conversations/:id", a.getConversation)
	api.GET("/conversations/:id/messages", a.listMessages)
	api.POST("/conversations/:id/read", a.markRead)

	api.POST("/messages", a.sendMessage)
	api.POST("/contacts/match", a.matchContacts)
	api.GET("/users/search", a.searchUsers)

	a.echo = e
	return a
}

// Handler returns the root HTTP handler.
func (a *API) Handler() http.Handler {
	return a.echo
}

// Start listens on addr until Shutdown.
func (a *API) Start(addr string) error {
	a.log.Info().Str("listen_addr", addr).Msg("http api listening")
	if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (a *API) Shutdown(ctx context.Context) error {
	return a.echo.Shutdown(ctx)
}

// requireUser rejects requests without a caller id.
func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(UserHeader)
		if userID == "" {
			return apperr.Unauthorized("missing " + UserHeader + " header")
		}
		c.Set(userKey, userID)
		return next(c)
	}
}

func callerID(c echo.Context) string {
	id, _ := c.Get(userKey).(string)
	return id
}

func (a *API) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		a.log.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Int("status", c.Response().Status).
			Dur("took", time.Since(start)).
			Msg("request")
		return nil
	}
}

// throttle returns ErrRateLimited with a Retry-After header once identifier
// exceeds rule.
func (a *API) throttle(c echo.Context, identifier string, rule ratelimit.Rule) error {
	if a.opts.Limiter == nil {
		return nil
	}
	ctx := c.Request().Context()
	allowed, _ := a.opts.Limiter.Allow(ctx, identifier, rule)
	if allowed {
		return nil
	}
	retry := a.opts.Limiter.RetryAfter(ctx, identifier, rule)
	c.Response().Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
	return apperr.ErrRateLimited
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

// handleError renders AppErrors with their mapped status. Echo's own errors
// (unknown route, bad method) keep their status.
func (a *API) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		status int
		body   errorBody
		he     *echo.HTTPError
	)
	switch {
	case errors.As(err, &he):
		status = he.Code
		body = errorBody{Code: string(codeForStatus(status)), Message: http.StatusText(status)}
		if msg, ok := he.Message.(string); ok {
			body.Message = msg
		}
	default:
		code := apperr.CodeOf(err)
		status = statusForCode(code)
		body = errorBody{Code: string(code), Message: apperr.MessageOf(err)}
	}

	if status >= http.StatusInternalServerError {
		a.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if err := c.JSON(status, body); err != nil {
		a.log.Error().Err(err).Msg("could not write error response")
	}
}

func statusForCode(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeAborted:
		return http.StatusConflict
	case apperr.CodeResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func codeForStatus(status int) apperr.Code {
	switch status {
	case http.StatusBadRequest:
		return apperr.CodeInvalidArgument
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return apperr.CodeNotFound
	case http.StatusUnauthorized:
		return apperr.CodeUnauthenticated
	case http.StatusTooManyRequests:
		return apperr.CodeResourceExhausted
	default:
		if status >= http.StatusInternalServerError {
			return apperr.CodeInternal
		}
		return apperr.CodeUnknown
	}
}
