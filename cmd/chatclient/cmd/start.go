package cmd

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"campus-chat/internal/client"
	"campus-chat/internal/models"
)

var startCmd = &cobra.Command{
	Use:   "start <targetUserId>",
	Short: "Open (or find) the direct chat with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := newAPI()
		if err != nil {
			return err
		}
		chatID, err := api.StartChat(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), chatID)
		return nil
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List your chats, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := newAPI()
		if err != nil {
			return err
		}
		chats, err := api.ListChats(cmd.Context())
		if err != nil {
			return err
		}
		for _, chat := range chats {
			fmt.Fprintln(cmd.OutOrStdout(), formatSummary(chat))
		}
		return nil
	},
}

func formatSummary(chat client.ChatSummary) string {
	names := lo.Map(chat.Participants, func(u models.User, _ int) string {
		return lo.Ternary(u.DisplayName != "", u.DisplayName, u.ID)
	})
	return fmt.Sprintf("%s  %-30s  %s", chat.ChatID, strings.Join(names, ", "), chat.LastActivityAt.Local().Format("Jan 2 15:04"))
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(chatsCmd)
}
