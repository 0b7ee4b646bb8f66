package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatcore/crypto"
	"chatcore/e2e"
	"chatcore/engine"
	"chatcore/models"
	"chatcore/storage"
)

var (
	olderPages   int
	compress     bool
	auditType    string
	auditLimit   int
	auditSummary bool
	auditHere    bool
	rotationRows int
)

// withClient opens the app, starts a client for the selected conversation
// and tears everything down after fn returns.
func withClient(ctx context.Context, fn func(*app, *e2e.Client) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := a.client(conversationID)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Dispose()

	if err := fn(a, client); err != nil {
		return err
	}
	client.Flush()
	return nil
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Create the local identity if needed and show its fingerprint.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		status := a.keys.EnsureInitialized(ctx, a.userID)
		fmt.Printf("User ID:      %s\n", a.userID)
		fmt.Printf("Encryption:   %s\n", status.State)
		if status.Err != nil {
			fmt.Printf("Error:        %v\n", status.Err)
		}
		if status.Regenerated {
			fmt.Println("Warning:      identity was regenerated; older encrypted messages are unreadable")
		}

		if published, found, err := a.store.GetPublicKey(ctx, a.userID); err == nil && found {
			fmt.Printf("Fingerprint:  %s\n", crypto.FormatFingerprint(crypto.EncodedKeyFingerprint(published)))
		}

		rotations, err := a.store.GetRecentKeyRotationEvents(ctx, a.userID, rotationRows)
		if err != nil {
			return err
		}
		for _, r := range rotations {
			fmt.Printf("Rotated:      %s  %s -> %s\n",
				formatMillis(r.Timestamp),
				crypto.FormatFingerprint(r.OldKeyFingerprint),
				crypto.FormatFingerprint(r.NewKeyFingerprint))
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a text message, encrypted when the recipient has a key.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(_ *app, client *e2e.Client) error {
			message, err := client.SendMessage(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("sent %s encrypted=%t\n", message.ID, message.IsEncrypted)
			return nil
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <text>",
	Short: "Replace the text of one of your messages.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(_ *app, client *e2e.Client) error {
			message, err := client.EditMessage(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Printf("edited %s encrypted=%t\n", message.ID, message.IsEncrypted)
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the conversation, optionally paging further back.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(_ *app, client *e2e.Client) error {
			for i := 0; i < olderPages; i++ {
				if err := client.LoadOlder(cmd.Context()); err != nil {
					return err
				}
			}
			view := client.View()
			if view.LastError != nil {
				fmt.Fprintf(os.Stderr, "showing cached messages: %v\n", view.LastError)
			}
			for _, m := range view.Messages {
				printMessage(m)
			}
			if view.HasMore {
				fmt.Println("-- older messages available (use --older)")
			}
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the conversation and follow changes until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withClient(ctx, func(_ *app, client *e2e.Client) error {
			var lastRevision uint64
			render := func(view e2e.View) {
				if view.Revision == lastRevision {
					return
				}
				lastRevision = view.Revision
				fmt.Printf("-- %d messages (encryption enabled=%t)\n", len(view.Messages), view.EncryptionEnabled)
				for _, m := range view.Messages {
					printMessage(m)
				}
			}

			updates := make(chan e2e.View, 16)
			cancel := client.Watch(func(view e2e.View) {
				select {
				case updates <- view:
				default:
				}
			})
			defer cancel()

			render(client.View())
			for {
				select {
				case <-ctx.Done():
					return nil
				case view := <-updates:
					render(view)
				}
			}
		})
	},
}

var forwardCmd = &cobra.Command{
	Use:   "forward <message-id> <target-conversation>",
	Short: "Forward a message to another conversation without re-uploading media.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(_ *app, client *e2e.Client) error {
			message, err := client.ForwardMessage(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("forwarded as %s to %s\n", message.ID, message.ConversationID)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete one of your messages.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(_ *app, client *e2e.Client) error {
			if err := client.DeleteMessage(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file> [caption]",
	Short: "Send a file or image; identical content is stored once.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		caption := ""
		if len(args) == 2 {
			caption = args[1]
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %q: %w", path, err)
		}
		defer file.Close()

		contentType, err := detectContentType(file, path)
		if err != nil {
			return err
		}

		return withClient(cmd.Context(), func(_ *app, client *e2e.Client) error {
			message, err := client.SendMediaMessage(cmd.Context(), engine.MediaFile{
				Name:        filepath.Base(path),
				ContentType: contentType,
				Data:        file,
				Compress:    compress,
			}, caption)
			if err != nil {
				return err
			}
			fmt.Printf("sent %s %s %s\n", message.ID, message.MessageType, message.MediaURL)
			return nil
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recorded security events.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		filter := storage.SecurityEventFilter{Limit: auditLimit}
		if auditType != "" {
			filter.EventTypes = strings.Split(auditType, ",")
		}
		if auditHere {
			filter.ConversationID = conversationID
		}

		if auditSummary {
			counts, err := a.store.SummarizeSecurityEvents(filter)
			if err != nil {
				return err
			}
			for _, c := range counts {
				fmt.Printf("%-22s  %-8s  %5d  last %s\n", c.EventType, c.Severity, c.Count, formatMillis(c.LastSeen))
			}
			return nil
		}

		events, err := a.store.GetSecurityEvents(filter)
		if err != nil {
			return err
		}
		for _, e := range events {
			subject := "-"
			if e.SubjectUserID != nil {
				subject = *e.SubjectUserID
			}
			conversation := e.ConversationID
			if conversation == "" {
				conversation = "-"
			}
			fmt.Printf("%s  %-8s  %-22s  %-12s  %-12s  %s\n",
				formatMillis(e.Timestamp), e.Severity, e.EventType, subject, conversation, e.Details)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&olderPages, "older", 0,
		"Number of older pages to load before printing.")
	uploadCmd.Flags().BoolVar(&compress, "compress", false,
		"Store the file zstd-compressed.")
	auditCmd.Flags().StringVar(&auditType, "type", "",
		"Only show events of these comma-separated types (e.g. encryption_fallback,identity_lost).")
	auditCmd.Flags().BoolVar(&auditSummary, "summary", false,
		"Print counts per event type and severity instead of individual events.")
	auditCmd.Flags().BoolVar(&auditHere, "here", false,
		"Only show events recorded for the selected conversation.")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50,
		"Maximum number of events to show.")
	keysCmd.Flags().IntVar(&rotationRows, "rotations", 5,
		"Number of recent key rotations to show.")
}

func printMessage(m models.Message) {
	content := m.Content
	switch {
	case m.DecryptionFailed:
		content = "[could not decrypt]"
	case m.MediaURL != "":
		content = fmt.Sprintf("%s <%s>", content, m.MediaURL)
	}

	flags := ""
	if m.Decrypted {
		flags += " [e2e]"
	}
	if m.ForwardedFrom != "" {
		flags += " [fwd from " + m.ForwardedFrom + "]"
	}
	fmt.Printf("%s  %s  %-12s %s%s\n", formatMillis(m.CreatedAt), m.ID, m.SenderID, content, flags)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func detectContentType(file *os.File, path string) (string, error) {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt, nil
	}

	head := make([]byte, 512)
	n, err := file.Read(head)
	if err != nil && n == 0 {
		return "", fmt.Errorf("read %q: %w", path, err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return "", fmt.Errorf("rewind %q: %w", path, err)
	}
	return http.DetectContentType(head[:n]), nil
}
