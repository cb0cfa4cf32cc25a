package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/wewillfixyourpc/livechat-go"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolvedConfig()
		if err != nil {
			return err
		}

		fmt.Println("=== Live Chat Status ===")
		fmt.Println()

		fmt.Println("[Config]")
		fmt.Printf("  Backend:   %s\n", valueOrDefault(cfg.Default.BaseURL, livechat.DefaultBaseURL))
		fmt.Printf("  Variant:   %s\n", variantOf(cfg))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))
		fmt.Println()

		fmt.Println("[Session]")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token: (not set)")
			return nil
		}
		fmt.Printf("  Token: %s\n", maskKey(cfg.Auth.Token))
		if cfg.Auth.Name != "" {
			fmt.Printf("  Name:  %s\n", cfg.Auth.Name)
		}

		info, err := livechat.ParseTokenInfo(cfg.Auth.Token)
		switch {
		case err != nil:
			fmt.Println("  Token format: opaque")
		case info.ExpiresAt.IsZero():
			fmt.Println("  Expires: never")
		case info.Expired(time.Now()):
			fmt.Printf("  Status: EXPIRED (%s)\n", humanize.Time(info.ExpiresAt))
		default:
			fmt.Printf("  Status: valid (expires %s)\n", humanize.Time(info.ExpiresAt))
		}

		if variantOf(cfg) != livechat.VariantCustomer {
			return nil
		}

		fmt.Println()
		fmt.Println("[Backend]")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		chat, err := getClient(cfg).FetchChatConfig(ctx)
		if err != nil {
			fmt.Printf("  Could not fetch chat config: %v\n", err)
			return nil
		}
		if chat.Token == nil {
			fmt.Println("  Session: not recognised by backend")
		} else {
			fmt.Println("  Session: active")
		}
		if chat.Profile != nil {
			fmt.Printf("  Profile: %s (authenticated: %v)\n", chat.Profile.Name, chat.Profile.IsAuthenticated)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
