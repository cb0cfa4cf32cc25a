package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/wewillfixyourpc/livechat-go"
	"github.com/wewillfixyourpc/livechat-go/internal/fakebackend"
)

var (
	fakeAddr     string
	fakeOperator string
	fakeSeed     bool
	fakeInline   bool
	fakeSecret   string
	fakePageSize int
)

var fakeBackendCmd = &cobra.Command{
	Use:   "fake-backend",
	Short: "Serve an in-memory live chat backend for development",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := fakebackend.New(fakebackend.Options{
			Secret:             []byte(fakeSecret),
			PageSize:           fakePageSize,
			InlinePaymentItems: fakeInline,
			Logger:             logger,
		})
		if fakeSeed {
			seedDemo(srv)
		}
		tok, err := srv.OperatorToken(fakeOperator)
		if err != nil {
			return err
		}

		httpSrv := &http.Server{
			Addr:              fakeAddr,
			Handler:           srv,
			ReadHeaderTimeout: 5 * time.Second,
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}()

		fmt.Printf("Fake backend listening on %s\n", fakeAddr)
		fmt.Printf("Operator token for %s:\n  %s\n", fakeOperator, tok)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

// seedDemo fills the backend with a few conversations to look at.
func seedDemo(srv *fakebackend.Server) {
	now := time.Now()
	web := srv.AddConversation(livechat.Conversation{CustomerName: "Ada", Platform: livechat.PlatformChat})
	srv.AddMessage(livechat.Message{ConversationID: web, Direction: livechat.DirectionFromCustomer, Text: "Hi, my screen is cracked", Timestamp: now.Add(-2 * time.Hour).Unix()})
	srv.AddMessage(livechat.Message{ConversationID: web, Direction: livechat.DirectionToCustomer, Text: "Which phone is it?", Timestamp: now.Add(-110 * time.Minute).Unix()})

	fb := srv.AddConversation(livechat.Conversation{CustomerName: "Grace", Platform: livechat.PlatformFacebook})
	srv.AddMessage(livechat.Message{ConversationID: fb, Direction: livechat.DirectionFromCustomer, Text: "Are you open on Sunday?", Timestamp: now.Add(-30 * time.Hour).Unix()})

	srv.AddRepair(livechat.RepairDetails{
		ID:     1,
		Price:  "89.00",
		Repair: livechat.NamedRecord{ID: 1, Name: "Screen"},
		Device: livechat.Device{NamedRecord: livechat.NamedRecord{ID: 1, Name: "iPhone 12"}},
	})
	srv.AddPayment(livechat.Payment{ConversationID: web, Total: "89.00"}, []livechat.PaymentItem{
		{ItemType: "repair", ItemData: "1", Title: "iPhone 12 screen", Quantity: 1, Price: "89.00"},
	})
}

func init() {
	fakeBackendCmd.Flags().StringVar(&fakeAddr, "addr", "127.0.0.1:8000", "Listen address")
	fakeBackendCmd.Flags().StringVar(&fakeOperator, "operator", "operator", "Operator name for the printed token")
	fakeBackendCmd.Flags().BoolVar(&fakeSeed, "seed", true, "Seed demo conversations")
	fakeBackendCmd.Flags().BoolVar(&fakeInline, "inline-items", false, "Embed payment items in payment events")
	fakeBackendCmd.Flags().StringVar(&fakeSecret, "secret", "", "Token signing secret (random when empty)")
	fakeBackendCmd.Flags().IntVar(&fakePageSize, "page-size", 10, "Conversations per getConversations page")
	rootCmd.AddCommand(fakeBackendCmd)
}
