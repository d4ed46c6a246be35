package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/whisper/friendchat/internal/contacts"
	"github.com/whisper/friendchat/internal/profile"
	"github.com/whisper/friendchat/internal/ratelimit"
	apperr "github.com/whisper/friendchat/pkg/errors"
)

// maxMessagesLimit caps the limit query parameter of listMessages.
const maxMessagesLimit = 200

// bind decodes and validates the request body into req.
func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return apperr.InvalidArg("invalid request payload")
	}
	return c.Validate(req)
}

// ---------------------------------------------------------------------------
// Friends
// ---------------------------------------------------------------------------

type addFriendRequest struct {
	FriendID string `json:"friend_id" validate:"required"`
}

func (a *API) listFriends(c echo.Context) error {
	edges, err := a.opts.Friends.ListFriends(c.Request().Context(), callerID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"friends": edges})
}

func (a *API) addFriend(c echo.Context) error {
	var req addFriendRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := a.opts.Friends.AddFriend(c.Request().Context(), callerID(c), req.FriendID); err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

func (a *API) removeFriend(c echo.Context) error {
	if err := a.opts.Friends.RemoveFriend(c.Request().Context(), callerID(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

type ensureConversationRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (a *API) listConversations(c echo.Context) error {
	convs, err := a.opts.Conversations.ListConversations(c.Request().Context(), callerID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"conversations": convs})
}

func (a *API) ensureConversation(c echo.Context) error {
	var req ensureConversationRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id, err := a.opts.Conversations.Ensure(c.Request().Context(), callerID(c), req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"conversation_id": id})
}

func (a *API) getConversation(c echo.Context) error {
	conv, err := a.opts.Conversations.GetForUser(c.Request().Context(), c.Param("id"), callerID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

func (a *API) listMessages(c echo.Context) error {
	limit := a.opts.MessageWindow
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return apperr.InvalidArg("invalid limit")
		}
		if err := a.val.checkVar("limit", n, "min=1,max="+strconv.Itoa(maxMessagesLimit)); err != nil {
			return err
		}
		limit = n
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := a.opts.Conversations.GetForUser(ctx, id, callerID(c)); err != nil {
		return err
	}
	msgs, err := a.opts.Conversations.RecentMessages(ctx, id, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (a *API) markRead(c echo.Context) error {
	if err := a.opts.Conversations.MarkRead(c.Request().Context(), c.Param("id"), callerID(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type sendMessageRequest struct {
	To   string `json:"to" validate:"required"`
	Text string `json:"text" validate:"required"`
}

func (a *API) sendMessage(c echo.Context) error {
	userID := callerID(c)
	if err := a.throttle(c, userID, ratelimit.RuleSend); err != nil {
		return err
	}

	var req sendMessageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" {
		return apperr.InvalidArg("message text is required")
	}

	msg, err := a.opts.Conversations.Send(c.Request().Context(), userID, req.To, req.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, msg)
}

// ---------------------------------------------------------------------------
// Contacts and users
// ---------------------------------------------------------------------------

type matchContactsRequest struct {
	PhoneNumbers []string `json:"phone_numbers" validate:"required,max=5000"`
}

// matchContacts excludes the caller and the caller's current friends.
func (a *API) matchContacts(c echo.Context) error {
	userID := callerID(c)
	if err := a.throttle(c, userID, ratelimit.RuleDiscovery); err != nil {
		return err
	}

	var req matchContactsRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	friendIDs, err := a.opts.Friends.FriendIDs(ctx, userID)
	if err != nil {
		return err
	}
	matches, err := a.opts.Contacts.FindMatches(ctx, req.PhoneNumbers, append(friendIDs, userID))
	if err != nil {
		return err
	}
	if matches == nil {
		matches = []contacts.Match{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"matches": matches})
}

func (a *API) searchUsers(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if err := a.val.checkVar("q", q, "required,max=100"); err != nil {
		return err
	}

	recs, err := a.opts.Users.SearchUsersByName(c.Request().Context(), q, a.opts.SearchLimit)
	if err != nil {
		return err
	}
	users := make([]profile.UserProfile, 0, len(recs))
	for _, rec := range recs {
		users = append(users, profile.FromRecord(rec))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"users": users})
}
