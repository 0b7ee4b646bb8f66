package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	conversationID string
	recipientID    string
	userOverride   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatcore",
	Short: "End-to-end encrypted conversation client over a local SQLite message store.",
	Long: "chatcore keeps a synced, ordered view of a conversation, encrypts " +
		"outgoing text to the recipient's published key when one exists and " +
		"falls back to plaintext otherwise. Data lives under the directory " +
		"named by CHATCORE_DATA_DIR or the OS config directory.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&conversationID, "conversation", "c", "general",
		"Conversation to operate on.")
	rootCmd.PersistentFlags().StringVarP(&recipientID, "to", "t", "",
		"Recipient user ID. Messages are encrypted to this user when possible.")
	rootCmd.PersistentFlags().StringVarP(&userOverride, "user", "u", "",
		"Act as this user instead of the configured user_id.")

	rootCmd.AddCommand(
		keysCmd,
		sendCmd,
		historyCmd,
		watchCmd,
		forwardCmd,
		deleteCmd,
		editCmd,
		uploadCmd,
		auditCmd,
	)
}
