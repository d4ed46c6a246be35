package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/whisper/friendchat/internal/directory"
	"github.com/whisper/friendchat/internal/profile"
)

var migrateCommand = &cli.Command{
	Name:   "migrate",
	Usage:  "Apply pending user directory migrations",
	Before: loadConfig,
	Action: func(ctx *cli.Context) error {
		dsn := getConfig(ctx).DB.DSN
		if dsn == "" {
			return fmt.Errorf("no directory DSN configured (set POSTGRES_DSN)")
		}
		if err := directory.Migrate(dsn); err != nil {
			return err
		}
		fmt.Println("Directory schema is up to date")
		return nil
	},
}

var addUserCommand = &cli.Command{
	Name:      "add-user",
	Usage:     "Create or update a directory user",
	ArgsUsage: "USER_ID",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "Display name"},
		&cli.StringFlag{Name: "avatar", Usage: "Avatar URL"},
		&cli.StringFlag{Name: "phone", Usage: "Phone number"},
	},
	Before: requiresApp,
	After:  closeApp,
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, "USER_ID"); err != nil {
			return err
		}
		rec := profile.UserRecord{
			ID:    ctx.Args().Get(0),
			Name:  ctx.String("name"),
			Phone: ctx.String("phone"),
		}
		if avatar := ctx.String("avatar"); avatar != "" {
			rec.Avatar = &avatar
		}
		if err := getApp(ctx).Users.Upsert(ctx.Context, rec); err != nil {
			return err
		}
		fmt.Printf("User '%s' saved\n", rec.ID)
		return nil
	},
}

var addFriendCommand = &cli.Command{
	Name:      "add-friend",
	Usage:     "Make two users friends and seed their conversation",
	ArgsUsage: "OWNER_ID FRIEND_ID",
	Before:    requiresApp,
	After:     closeApp,
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, "OWNER_ID", "FRIEND_ID"); err != nil {
			return err
		}
		owner, friendID := ctx.Args().Get(0), ctx.Args().Get(1)
		if err := getApp(ctx).Friends.AddFriend(ctx.Context, owner, friendID); err != nil {
			return err
		}
		fmt.Printf("'%s' and '%s' are now friends\n", owner, friendID)
		return nil
	},
}

var removeFriendCommand = &cli.Command{
	Name:      "remove-friend",
	Usage:     "Remove the friendship between two users",
	ArgsUsage: "OWNER_ID FRIEND_ID",
	Before:    requiresApp,
	After:     closeApp,
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, "OWNER_ID", "FRIEND_ID"); err != nil {
			return err
		}
		owner, friendID := ctx.Args().Get(0), ctx.Args().Get(1)
		if err := getApp(ctx).Friends.RemoveFriend(ctx.Context, owner, friendID); err != nil {
			return err
		}
		fmt.Printf("Friendship between '%s' and '%s' removed\n", owner, friendID)
		return nil
	},
}

var friendsCommand = &cli.Command{
	Name:      "friends",
	Usage:     "List a user's friends, newest first",
	ArgsUsage: "USER_ID",
	Before:    requiresApp,
	After:     closeApp,
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, "USER_ID"); err != nil {
			return err
		}
		edges, err := getApp(ctx).Friends.ListFriends(ctx.Context, ctx.Args().Get(0))
		if err != nil {
			return err
		}
		return printJSON(edges)
	},
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a direct message",
	ArgsUsage: "SENDER_ID RECIPIENT_ID TEXT...",
	Before:    requiresApp,
	After:     closeApp,
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, "SENDER_ID", "RECIPIENT_ID", "TEXT"); err != nil {
			return err
		}
		args := ctx.Args().Slice()
		text := strings.Join(args[2:], " ")
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("message text is required")
		}
		msg, err := getApp(ctx).Chats.Send(ctx.Context, args[0], args[1], text)
		if err != nil {
			return err
		}
		return printJSON(msg)
	},
}

var markReadCommand = &cli.Command{
	Name:      "mark-read",
	Usage:     "Clear a user's unread counter of a conversation",
	ArgsUsage: "CONVERSATION_ID USER_ID",
	Before:    requiresApp,
	After:     closeApp,
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, "CONVERSATION_ID", "USER_ID"); err != nil {
			return err
		}
		return getApp(ctx).Chats.MarkRead(ctx.Context, ctx.Args().Get(0), ctx.Args().Get(1))
	},
}

var conversationsCommand = &cli.Command{
	Name:      "conversations",
	Usage:     "List a user's conversations, most recently active first",
	ArgsUsage: "USER_ID",
	Before:    requiresApp,
	After:     closeApp,
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, "USER_ID"); err != nil {
			return err
		}
		convs, err := getApp(ctx).Chats.ListConversations(ctx.Context, ctx.Args().Get(0))
		if err != nil {
			return err
		}
		return printJSON(convs)
	},
}

var messagesCommand = &cli.Command{
	Name:      "messages",
	Usage:     "Print the newest messages of a conversation, oldest first",
	ArgsUsage: "CONVERSATION_ID",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Usage: "Maximum number of messages", Value: 50},
	},
	Before: requiresApp,
	After:  closeApp,
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, "CONVERSATION_ID"); err != nil {
			return err
		}
		msgs, err := getApp(ctx).Chats.RecentMessages(ctx.Context, ctx.Args().Get(0), ctx.Int("limit"))
		if err != nil {
			return err
		}
		return printJSON(msgs)
	},
}

var matchContactsCommand = &cli.Command{
	Name:      "match-contacts",
	Usage:     "Find directory users matching the given phone numbers",
	ArgsUsage: "PHONE...",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "exclude", Usage: "User ids to leave out"},
	},
	Before: requiresApp,
	After:  closeApp,
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, "PHONE"); err != nil {
			return err
		}
		matches, err := getApp(ctx).Discovery.FindMatches(ctx.Context, ctx.Args().Slice(), ctx.StringSlice("exclude"))
		if err != nil {
			return err
		}
		return printJSON(matches)
	},
}

var sessionsCommand = &cli.Command{
	Name:      "sessions",
	Usage:     "List a user's live WebSocket sessions across all servers",
	ArgsUsage: "USER_ID",
	Before:    requiresApp,
	After:     closeApp,
	Action: func(ctx *cli.Context) error {
		if err := requireArgs(ctx, "USER_ID"); err != nil {
			return err
		}
		sessions, err := getApp(ctx).Sessions.ListForUser(ctx.Context, ctx.Args().Get(0))
		if err != nil {
			return err
		}
		return printJSON(sessions)
	},
}
