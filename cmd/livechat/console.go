package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wewillfixyourpc/livechat-go"
)

var (
	consoleJSON        bool
	consoleMetricsAddr string
	consoleSelect      int64
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Connect and stream conversation changes",
	Long: `Open a live session and print every change to the local store.

Lines typed on stdin are sent as messages: to the selected conversation for
operators, or into the chat for customers. Lines starting with / are console
commands; type /help for the list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolvedConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		reg := prometheus.NewRegistry()
		metrics := livechat.NewMetrics(reg)
		if consoleMetricsAddr != "" {
			srv := &http.Server{
				Addr:              consoleMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics_server_failed", "error", err)
				}
			}()
			defer srv.Close()
			logger.Info("metrics_listening", "addr", consoleMetricsAddr)
		}

		sess, err := dialSession(ctx, cfg, livechat.WithClientMetrics(metrics))
		if err != nil {
			return err
		}
		defer sess.Close()

		p := newPrinter(os.Stdout, consoleJSON || !term.IsTerminal(int(os.Stdout.Fd())))
		unsub := sess.Subscribe(func(c livechat.Change) {
			p.change(sess, c)
			if c.Type == livechat.ChangeHydrated && c.Kind == livechat.KindMessage {
				markVisible(ctx, sess, c.ID)
			}
		})
		defer unsub()

		if consoleSelect != 0 {
			sess.Select(consoleSelect)
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := runConsoleLine(ctx, sess, p, line)
				if err != nil {
					p.errorf("%v", err)
				}
				if quit {
					return nil
				}
			}
		}
	},
}

// markVisible stands in for the widget's scroll observer: every hydrated
// message counts as seen.
func markVisible(ctx context.Context, sess *livechat.Session, rawID string) {
	if sess.Variant() != livechat.VariantCustomer {
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return
	}
	go func() {
		if err := sess.MessageVisible(ctx, id); err != nil {
			logger.Debug("read_receipt_failed", "id", id, "error", err)
		}
	}()
}

const consoleHelp = `Commands:
  /select <cid>   select a conversation
  /clear          clear the selection
  /list           list loaded conversations
  /show           show the selected conversation
  /take           take over the selected conversation
  /handback       hand the selected conversation back to the bot
  /end            end the selected conversation
  /signin         ask the customer to sign in
  /older          load older conversations
  /notices        list server errors
  /dismiss <id>   dismiss a server error
  /pending        show outstanding fetches
  /quit           disconnect`

// runConsoleLine executes one line of console input. It reports whether the
// console should exit.
func runConsoleLine(ctx context.Context, sess *livechat.Session, p *printer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		if sess.Variant() == livechat.VariantCustomer {
			_, err := sess.SendMessage(ctx, line)
			return false, err
		}
		cid, ok := sess.Selected()
		if !ok {
			return false, errors.New("no conversation selected; use /select <cid>")
		}
		if !sess.Conversation(cid).CanMessage(time.Now()) {
			return false, fmt.Errorf("conversation %d cannot be messaged right now", cid)
		}
		return false, sess.SendText(ctx, cid, line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		p.println(consoleHelp)
	case "/quit", "/exit":
		return true, nil
	case "/select":
		if len(fields) != 2 {
			return false, errors.New("usage: /select <cid>")
		}
		cid, err := parseCID(fields[1])
		if err != nil {
			return false, err
		}
		sess.Select(cid)
	case "/clear":
		sess.ClearSelection()
	case "/list":
		for _, c := range sess.Conversations.Loaded() {
			p.conversation(sess, c)
		}
	case "/show":
		conv, ok := sess.SelectedConversation()
		if !ok {
			return false, errors.New("no conversation selected")
		}
		c, loaded := conv.Get()
		if !loaded {
			p.println("conversation loading...")
			return false, nil
		}
		p.conversation(sess, c)
		msgs, _ := conv.Messages()
		for _, m := range msgs {
			if msg, ok := m.Peek(); ok {
				p.message(msg)
			}
		}
	case "/take", "/handback", "/end", "/signin":
		cid, ok := sess.Selected()
		if !ok {
			return false, errors.New("no conversation selected")
		}
		switch fields[0] {
		case "/take":
			return false, sess.TakeOver(ctx, cid)
		case "/handback":
			return false, sess.HandBack(ctx, cid)
		case "/end":
			return false, sess.EndConversation(ctx, cid)
		default:
			return false, sess.RequestSignIn(ctx, cid)
		}
	case "/older":
		sent, err := sess.LoadOlderConversations(ctx)
		if err != nil {
			return false, err
		}
		if !sent {
			p.println("a page is already loading")
		}
	case "/notices":
		for _, n := range sess.Notices() {
			p.printf("#%d %s (%s)\n", n.ID, n.Msg, humanize.Time(n.At))
		}
	case "/dismiss":
		if len(fields) != 2 {
			return false, errors.New("usage: /dismiss <id>")
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("invalid notice id %q", fields[1])
		}
		if !sess.Dismiss(id) {
			return false, fmt.Errorf("no notice #%d", id)
		}
	case "/pending":
		for _, k := range livechat.Kinds {
			p.printf("%-18s %s\n", k, humanize.Comma(int64(sess.PendingCounts()[k])))
		}
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return false, nil
}

// ============================================================================
// Output
// ============================================================================

// printer writes changes either as human-readable lines or as JSON lines.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func newPrinter(w io.Writer, jsonLines bool) *printer {
	return &printer{w: w, json: jsonLines}
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func (p *printer) emitJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.w.Write(append(data, '\n'))
}

// jsonChange is one JSON line of console output.
type jsonChange struct {
	Change string `json:"change"`
	Kind   string `json:"kind,omitempty"`
	ID     string `json:"id,omitempty"`
	Entity any    `json:"entity,omitempty"`
}

func (p *printer) change(sess *livechat.Session, c livechat.Change) {
	if p.json {
		out := jsonChange{Change: string(c.Type), Kind: string(c.Kind), ID: c.ID}
		if c.Type == livechat.ChangeHydrated {
			out.Entity = lookup(sess, c)
		}
		p.emitJSON(out)
		return
	}

	switch c.Type {
	case livechat.ChangeHydrated:
		switch v := lookup(sess, c).(type) {
		case livechat.Message:
			p.message(v)
		case livechat.Conversation:
			p.conversation(sess, v)
		case livechat.Payment:
			p.printf("payment %s: %s %s\n", v.ID, v.Total, v.State)
		case livechat.Booking:
			p.printf("booking %s: %s %s at %s\n", v.ID, v.Repair.Device.Name, v.Repair.Repair.Name, v.Time)
		}
	case livechat.ChangeRemoved:
		p.printf("%s %s removed\n", c.Kind, c.ID)
	case livechat.ChangeSelected:
		if c.ID == "" {
			p.println("selection cleared")
		} else {
			p.printf("selected conversation %s\n", c.ID)
		}
	case livechat.ChangeNotice:
		for _, n := range sess.Notices() {
			if strconv.Itoa(n.ID) == c.ID {
				p.printf("! #%d %s\n", n.ID, n.Msg)
			}
		}
	case livechat.ChangeConnection:
		p.printf("-- connection %s\n", c.ID)
	}
}

func (p *printer) message(m livechat.Message) {
	arrow := "<-"
	if m.Direction.Inbound() {
		arrow = "->"
	}
	who := ""
	if m.SentBy != nil {
		who = " (" + *m.SentBy + ")"
	}
	p.printf("[%s] #%d %s %s%s\n", humanize.Time(m.Time()), m.ConversationID, arrow, m.Text, who)
}

func (p *printer) conversation(sess *livechat.Session, c livechat.Conversation) {
	elig, _ := sess.Conversation(c.ID).Eligibility(time.Now())
	p.printf("conversation #%d %s [%s] %s, %s messages\n",
		c.ID, c.CustomerName, c.Platform, elig, humanize.Comma(int64(len(c.Messages))))
}

// lookup returns the stored entity a change refers to, if loaded.
func lookup(sess *livechat.Session, c livechat.Change) any {
	intID := func() (int64, bool) {
		id, err := strconv.ParseInt(c.ID, 10, 64)
		return id, err == nil
	}
	switch c.Kind {
	case livechat.KindMessage:
		if id, ok := intID(); ok {
			if v, ok := sess.Messages.Peek(id); ok {
				return v
			}
		}
	case livechat.KindConversation:
		if id, ok := intID(); ok {
			if v, ok := sess.Conversations.Peek(id); ok {
				return v
			}
		}
	case livechat.KindMessageEntities:
		if id, ok := intID(); ok {
			if v, ok := sess.MessageEntities.Peek(id); ok {
				return v
			}
		}
	case livechat.KindPaymentItem:
		if id, ok := intID(); ok {
			if v, ok := sess.PaymentItems.Peek(id); ok {
				return v
			}
		}
	case livechat.KindPayment:
		if v, ok := sess.Payments.Peek(c.ID); ok {
			return v
		}
	case livechat.KindBooking:
		if v, ok := sess.Bookings.Peek(c.ID); ok {
			return v
		}
	}
	return nil
}

func init() {
	consoleCmd.Flags().BoolVar(&consoleJSON, "json", false, "Print changes as JSON lines")
	consoleCmd.Flags().StringVar(&consoleMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	consoleCmd.Flags().Int64Var(&consoleSelect, "select", 0, "Conversation to select on start")
	rootCmd.AddCommand(consoleCmd)
}
