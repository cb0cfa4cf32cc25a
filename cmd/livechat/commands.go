package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wewillfixyourpc/livechat-go"
)

var (
	flagWait time.Duration
	flagJSON bool
)

// errNoConfirmation is returned when the server did not answer a command
// within the wait window. The command may still have been applied.
var errNoConfirmation = errors.New("no confirmation from server")

// oneShot dials a session, runs fn once the resync is queued, and waits for
// an inbound change accepted by done. Commands are fire-and-forget, so the
// only evidence of success is a later event.
func oneShot(cmd *cobra.Command, done func(*livechat.Session, livechat.Change) bool, fn func(context.Context, *livechat.Session) error) error {
	cfg, err := resolvedConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), flagWait+15*time.Second)
	defer cancel()

	sess, err := dialSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	confirmed := make(chan struct{})
	var once bool
	unsub := sess.Subscribe(func(c livechat.Change) {
		if c.Type == livechat.ChangeNotice {
			for _, n := range sess.Notices() {
				logger.Warn("server_error", "msg", n.Msg)
			}
		}
		if !once && done(sess, c) {
			once = true
			close(confirmed)
		}
	})
	defer unsub()

	if err := fn(ctx, sess); err != nil {
		return err
	}

	select {
	case <-confirmed:
		return nil
	case <-time.After(flagWait):
		if ns := sess.Notices(); len(ns) > 0 {
			return fmt.Errorf("server error: %s", ns[len(ns)-1].Msg)
		}
		return errNoConfirmation
	case <-ctx.Done():
		return ctx.Err()
	}
}

// conversationChanged accepts a hydrated conversation matching cid and pred.
func conversationChanged(cid int64, pred func(livechat.Conversation) bool) func(*livechat.Session, livechat.Change) bool {
	want := strconv.FormatInt(cid, 10)
	return func(sess *livechat.Session, c livechat.Change) bool {
		if c.Type != livechat.ChangeHydrated || c.Kind != livechat.KindConversation || c.ID != want {
			return false
		}
		conv, ok := sess.Conversations.Peek(cid)
		return ok && pred(conv)
	}
}

// messageArrived accepts a hydrated message in cid matching pred.
func messageArrived(cid int64, pred func(livechat.Message) bool) func(*livechat.Session, livechat.Change) bool {
	return func(sess *livechat.Session, c livechat.Change) bool {
		if c.Type != livechat.ChangeHydrated || c.Kind != livechat.KindMessage {
			return false
		}
		id, err := strconv.ParseInt(c.ID, 10, 64)
		if err != nil {
			return false
		}
		m, ok := sess.Messages.Peek(id)
		return ok && m.ConversationID == cid && pred(m)
	}
}

func printResult(format string, args ...any) {
	if flagJSON {
		fmt.Printf(`{"ok":true,"result":%q}`+"\n", fmt.Sprintf(format, args...))
		return
	}
	fmt.Printf(format+"\n", args...)
}

var sendCmd = &cobra.Command{
	Use:   "send [cid] <text...>",
	Short: "Send a message",
	Long: `Send a message and wait for the server to echo it.

Operators pass the conversation id first. Customers pass only the text.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolvedConfig()
		if err != nil {
			return err
		}
		if variantOf(cfg) == livechat.VariantCustomer {
			text := strings.Join(args, " ")
			var mid string
			err := oneShot(cmd, func(sess *livechat.Session, c livechat.Change) bool {
				// A fresh session has only this send in its outbox.
				return c.Type == livechat.ChangeOutbox && len(sess.Outbox()) == 0
			}, func(ctx context.Context, sess *livechat.Session) error {
				id, err := sess.SendMessage(ctx, text)
				mid = id
				return err
			})
			if err != nil {
				return err
			}
			printResult("Message %s delivered", mid)
			return nil
		}

		if len(args) < 2 {
			return fmt.Errorf("usage: livechat send <cid> <text...>")
		}
		cid, err := parseCID(args[0])
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		err = oneShot(cmd, messageArrived(cid, func(m livechat.Message) bool {
			return m.Text == text && !m.Direction.Inbound()
		}), func(ctx context.Context, sess *livechat.Session) error {
			return sess.SendText(ctx, cid, text)
		})
		if err != nil {
			return err
		}
		printResult("Message sent to conversation %d", cid)
		return nil
	},
}

// conversationCommand builds an operator command on one conversation that
// is confirmed by the change accepted by confirm(cid).
func conversationCommand(use, short string, confirm func(int64) func(*livechat.Session, livechat.Change) bool, run func(*livechat.Session, context.Context, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <cid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cid, err := parseCID(args[0])
			if err != nil {
				return err
			}
			err = oneShot(cmd, confirm(cid), func(ctx context.Context, sess *livechat.Session) error {
				return run(sess, ctx, cid)
			})
			if err != nil {
				return err
			}
			printResult("%s: conversation %d", use, cid)
			return nil
		},
	}
}

var takeOverCmd = conversationCommand("take-over", "Take over a conversation from the bot",
	func(cid int64) func(*livechat.Session, livechat.Change) bool {
		return conversationChanged(cid, func(c livechat.Conversation) bool { return c.CurrentUserResponding })
	},
	(*livechat.Session).TakeOver)

var handBackCmd = conversationCommand("hand-back", "Hand a conversation back to the bot",
	func(cid int64) func(*livechat.Session, livechat.Change) bool {
		return conversationChanged(cid, func(c livechat.Conversation) bool { return c.AgentResponding })
	},
	(*livechat.Session).HandBack)

var endCmd = conversationCommand("end", "End a conversation",
	func(cid int64) func(*livechat.Session, livechat.Change) bool {
		return messageArrived(cid, func(m livechat.Message) bool { return m.End })
	},
	(*livechat.Session).EndConversation)

func init() {
	for _, c := range []*cobra.Command{sendCmd, takeOverCmd, handBackCmd, endCmd} {
		c.Flags().DurationVar(&flagWait, "wait", 5*time.Second, "How long to wait for the server to confirm")
		c.Flags().BoolVar(&flagJSON, "json", false, "Output as JSON")
		rootCmd.AddCommand(c)
	}
}
