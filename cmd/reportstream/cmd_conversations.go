package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/reportstream/internal/api"
	"github.com/user/reportstream/internal/config"
	"github.com/user/reportstream/internal/conversation"
	"github.com/user/reportstream/internal/types"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(
		conversationsListCmd,
		conversationsShowCmd,
		conversationsDeleteCmd,
		conversationsVersionsCmd,
	)

	conversationsDeleteCmd.Flags().Bool("now", false, "skip the undo window and delete immediately")
	conversationsVersionsCmd.Flags().Int("diff", 0, "show the diff between this version and the current report")
}

func conversationStore(cfg *config.Config) *conversation.Store {
	return conversation.NewStore(cfg.ConversationsPath())
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Manage conversation history",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := conversationStore(cfg)

		list, err := store.List(context.Background())
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tSTATUS\tUPDATED")
		for _, conv := range list {
			status := "ok"
			if conv.Metadata["status"] == "failed" {
				status = "failed"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				conv.ID,
				conv.Title,
				len(conv.Messages),
				status,
				conv.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation's messages and current report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := conversationStore(cfg)

		conv, err := store.Get(context.Background(), types.ConversationID(args[0]))
		if err != nil {
			return err
		}

		fmt.Printf("%s (%s)\n\n", conv.Title, conv.ID)
		for _, msg := range conv.Messages {
			fmt.Printf("[%s] %s (%s)\n%s\n\n",
				msg.Timestamp.Format("15:04:05"), msg.Role, msg.Type, msg.Content)
		}
		if conv.CurrentReport != "" {
			fmt.Printf("--- current report ---\n%s\n", conv.CurrentReport)
		}
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation (undoable for a short window)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		store := conversationStore(cfg)
		apiClient := api.New(cfg.ServerURL)
		ctx := context.Background()
		id := types.ConversationID(args[0])

		// The server-side delete fires only after the undo window (or at
		// once with --now); local failure still reflects the user's intent.
		undo := conversation.NewUndoManager(store,
			time.Duration(cfg.UndoWindow)*time.Second,
			func(id types.ConversationID, _ *types.Conversation) {
				if err := apiClient.DeleteConversation(ctx, id); err != nil {
					fmt.Fprintf(os.Stderr, "server delete failed (local delete kept): %v\n", err)
				}
			})

		if err := undo.Stage(ctx, id); err != nil {
			return err
		}

		if now, _ := cmd.Flags().GetBool("now"); now {
			undo.Confirm(id)
			fmt.Printf("Conversation %s deleted.\n", id)
			return nil
		}

		fmt.Printf("Conversation %s deleted. Press Enter within %ds to undo...\n", id, cfg.UndoWindow)
		answered := make(chan struct{})
		go func() {
			var discard string
			fmt.Scanln(&discard)
			close(answered)
		}()

		select {
		case <-answered:
			if err := undo.Undo(ctx, id); err != nil {
				return err
			}
			if err := apiClient.RestoreConversation(ctx, mustGet(store, id)); err != nil {
				fmt.Fprintf(os.Stderr, "server restore failed (local restore kept): %v\n", err)
			}
			fmt.Println("Delete undone.")
		case <-time.After(time.Duration(cfg.UndoWindow) * time.Second):
			undo.Confirm(id)
			fmt.Println("Delete finalized.")
		}
		return nil
	},
}

func mustGet(store *conversation.Store, id types.ConversationID) *types.Conversation {
	conv, err := store.Get(context.Background(), id)
	if err != nil {
		return &types.Conversation{ID: id}
	}
	return conv
}

var conversationsVersionsCmd = &cobra.Command{
	Use:   "versions <id>",
	Short: "List a conversation's report versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := conversationStore(cfg)

		conv, err := store.Get(context.Background(), types.ConversationID(args[0]))
		if err != nil {
			return err
		}

		if version, _ := cmd.Flags().GetInt("diff"); version > 0 {
			diff, err := conversation.DiffAgainstCurrent(conv, version)
			if err != nil {
				return err
			}
			fmt.Println(diff)
			return nil
		}

		if len(conv.ReportVersions) == 0 {
			fmt.Println("No report versions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tOPERATION\tLENGTH\tSAVED")
		for _, v := range conv.ReportVersions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				strconv.Itoa(v.Version),
				v.Operation,
				len(v.Content),
				v.Timestamp.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}
