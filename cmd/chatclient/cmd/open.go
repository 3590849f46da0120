package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"campus-chat/internal/client"
)

var openCmd = &cobra.Command{
	Use:   "open <chatId>",
	Short: "Join a chat; each line you type is sent as a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := newAPI()
		if err != nil {
			return err
		}
		me, err := api.Me(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		view := newRenderer(me.ID)
		ctrl := client.NewController(args[0], api, client.WSDialer{URL: wsURL(serverURL), Token: token}, client.Options{
			SelfID: me.ID,
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
			OnChange: func(s client.Snapshot) {
				fmt.Fprint(out, view.Render(s))
			},
		})
		defer ctrl.Close()
		ctrl.Start()

		lines := make(chan string)
		go readLines(cmd.InOrStdin(), lines)

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interrupt)

		for {
			select {
			case <-interrupt:
				return nil
			case <-ctrl.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				ctrl.SetDraft(line)
				if err := ctrl.Submit(); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "not sent:", err)
				}
			}
			if snap := ctrl.Snapshot(); snap.Status.Terminal() {
				return fmt.Errorf("%s: %s", snap.Status, snap.Banner)
			}
		}
	},
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func init() {
	rootCmd.AddCommand(openCmd)
}
