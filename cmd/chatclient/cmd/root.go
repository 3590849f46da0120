package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"campus-chat/internal/client"
)

var (
	serverURL string
	token     string
)

var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Terminal client for campus chat",
	Long: `chatclient talks to the campus chat service.

Available commands:
  token    Mint a development token
  start    Open (or find) the direct chat with a user
  chats    List your chats
  open     Join a chat and talk in it`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CHAT_SERVER", "http://localhost:8083"), "chat service base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("CHAT_TOKEN"), "bearer token (defaults to $CHAT_TOKEN)")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newAPI() (*client.API, error) {
	if token == "" {
		return nil, fmt.Errorf("no token: pass --token or set CHAT_TOKEN")
	}
	return client.NewAPI(serverURL, token, nil), nil
}

// wsURL maps http(s)://host to ws(s)://host/ws.
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
