package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wewillfixyourpc/livechat-go"
)

var (
	initName     string
	initOperator bool
)

var initCmd = &cobra.Command{
	Use:   "init [base-url]",
	Short: "Configure the backend and obtain a session token",
	Long: `Store the backend URL and a session token in ~/.livechat/config.toml.

With --name, a new anonymous customer chat session is created and its token
stored. With --operator, an operator token is read from the terminal.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			cfg.Default.BaseURL = strings.TrimRight(args[0], "/")
		}
		if flagBaseURL != "" {
			cfg.Default.BaseURL = flagBaseURL
		}

		switch {
		case initOperator:
			tok, err := readSecret("Operator token: ")
			if err != nil {
				return err
			}
			cfg.Default.Variant = string(livechat.VariantOperator)
			cfg.Auth.Token = tok
			cfg.Auth.Name = ""
		case initName != "":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			client := getClient(cfg)
			if _, err := client.StartAnonymousSession(ctx, initName); err != nil {
				return fmt.Errorf("start session: %w", err)
			}
			cfg.Default.Variant = string(livechat.VariantCustomer)
			cfg.Auth.Token = client.Token()
			cfg.Auth.Name = initName
		}

		cfg.Auth.TokenExpires = ""
		if cfg.Auth.Token != "" {
			if info, err := livechat.ParseTokenInfo(cfg.Auth.Token); err == nil && !info.ExpiresAt.IsZero() {
				cfg.Auth.TokenExpires = info.ExpiresAt.UTC().Format(time.RFC3339)
			}
		}

		if err := saveConfig(cfg); err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		fmt.Printf("  Backend: %s\n", valueOrDefault(cfg.Default.BaseURL, livechat.DefaultBaseURL))
		fmt.Printf("  Variant: %s\n", valueOrDefault(cfg.Default.Variant, string(livechat.VariantOperator)))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:   %s\n", maskKey(cfg.Auth.Token))
		}
		return nil
	},
}

// readSecret reads a line without echo when stdin is a terminal.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "Start an anonymous customer session with this name")
	initCmd.Flags().BoolVar(&initOperator, "operator", false, "Read an operator token from the terminal")
	initCmd.MarkFlagsMutuallyExclusive("name", "operator")
	rootCmd.AddCommand(initCmd)
}
