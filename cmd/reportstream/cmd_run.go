package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/reportstream/internal/api"
	"github.com/user/reportstream/internal/config"
	"github.com/user/reportstream/internal/controller"
	"github.com/user/reportstream/internal/conversation"
	"github.com/user/reportstream/internal/notify"
	"github.com/user/reportstream/internal/snapshot"
	"github.com/user/reportstream/internal/stream"
	"github.com/user/reportstream/internal/types"
	"github.com/user/reportstream/internal/workflow"
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("conversation", "", "existing conversation ID for follow-up operations")
	runCmd.Flags().String("operation", "generate", "operation type: generate/follow_up/modify/supplement")
	runCmd.Flags().String("selected-text", "", "selected paragraph for modify/supplement")
	runCmd.Flags().String("position", "", "insertion position for modify/supplement")
	runCmd.Flags().String("template", "", "report template ID")
	runCmd.Flags().String("document", "", "knowledge base document ID")
	runCmd.Flags().Bool("resume", false, "resume an interrupted session instead of starting a new one")
	runCmd.Flags().Bool("yes", false, "answer confirmation prompts with yes without asking")
}

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Stream a research task and print its progress",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRun,
}

// buildController wires the full engine from config.
func buildController(cfg *config.Config, confirm controller.ConfirmFunc) *controller.Controller {
	store := conversation.NewStore(cfg.ConversationsPath())
	volatile, durable := cfg.SnapshotPaths()
	snaps := snapshot.New(snapshot.NewFileBackend(volatile), snapshot.NewFileBackend(durable))
	apiClient := api.New(cfg.ServerURL)
	sc := stream.New(cfg.ServerURL,
		stream.WithRetryPolicy(cfg.MaxRetries, time.Duration(cfg.RetryDelay)*time.Millisecond))

	opts := []controller.Option{
		controller.WithConfirmFunc(confirm),
		controller.WithObserver(printProgress),
	}

	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telegram notifier disabled: %v\n", err)
		} else {
			reg := notify.NewRegistry()
			reg.Register("telegram:", tg.Handler())
			opts = append(opts, controller.WithNotifier(reg, "telegram:"+cfg.Telegram.ChatID))
		}
	}

	return controller.New(sc, store, snaps, apiClient, opts...)
}

// printProgress renders each event as a progress line.
func printProgress(ev types.StreamEvent, st workflow.State) {
	switch e := ev.(type) {
	case types.PlanUpdateEvent:
		fmt.Printf("plan (%d steps):\n", len(e.Plan))
		for i, step := range e.Plan {
			fmt.Printf("  %d. %s\n", i+1, step)
		}
	case types.SearchResultEvent:
		fmt.Printf("search: %s\n", e.Query)
	case types.VerificationEvent:
		if e.IsValid {
			fmt.Println("verification passed")
		} else {
			fmt.Printf("verification failed: %s\n", e.Reason)
		}
	case types.RetryEvent:
		fmt.Printf("retry %d: replanning\n", st.RetryCount)
	case types.AnswerEvent:
		fmt.Printf("\n%s\n", e.Content)
	case types.FinalReportEvent:
		fmt.Printf("\n%s\n", e.Content)
	case types.ErrorEvent:
		fmt.Fprintf(os.Stderr, "error: %s\n", e.Message)
	}
}

// promptConfirm asks the user a yes/no question on the terminal.
func promptConfirm(_ context.Context, prompt string) bool {
	fmt.Printf("\n%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	yes, _ := cmd.Flags().GetBool("yes")
	confirm := promptConfirm
	if yes {
		confirm = func(context.Context, string) bool { return true }
	}

	ctrl := buildController(cfg, confirm)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Ctrl-C aborts the session cleanly.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\naborting...")
		ctrl.Abort(ctx)
	}()

	if resume, _ := cmd.Flags().GetBool("resume"); resume {
		return runResume(ctx, ctrl)
	}

	if len(args) == 0 {
		return fmt.Errorf("query is required unless --resume is given")
	}
	query := args[0]

	convFlag, _ := cmd.Flags().GetString("conversation")
	opFlag, _ := cmd.Flags().GetString("operation")
	selectedText, _ := cmd.Flags().GetString("selected-text")
	position, _ := cmd.Flags().GetString("position")
	templateID, _ := cmd.Flags().GetString("template")
	documentID, _ := cmd.Flags().GetString("document")

	op := types.Operation(opFlag)
	convID := types.ConversationID(convFlag)

	var err error
	switch op {
	case types.OpGenerate:
		err = ctrl.Generate(ctx, query, templateID, documentID)
	case types.OpFollowUp:
		err = ctrl.FollowUp(ctx, convID, query)
	case types.OpModify:
		err = ctrl.Modify(ctx, convID, query, selectedText, position)
	case types.OpSupplement:
		err = ctrl.Supplement(ctx, convID, query, selectedText, position)
	default:
		return fmt.Errorf("invalid operation type %q", opFlag)
	}
	if err != nil {
		return err
	}

	return waitForSession(ctx, ctrl)
}

func runResume(ctx context.Context, ctrl *controller.Controller) error {
	snap, ok := ctrl.Resume(ctx)
	if !ok {
		fmt.Println("No interrupted session found.")
		return nil
	}

	fmt.Printf("Resuming session: %s\n", snap.Query)
	if snap.State != nil {
		for _, step := range snap.State.Steps {
			fmt.Printf("  %s\n", step)
		}
	}

	if !snap.Processing {
		fmt.Println("Session was not mid-flight; nothing to reconnect.")
		return nil
	}

	if err := ctrl.ResumeStream(ctx, snap); err != nil {
		return err
	}
	return waitForSession(ctx, ctrl)
}

func waitForSession(ctx context.Context, ctrl *controller.Controller) error {
	err := ctrl.Wait(ctx)
	if errors.Is(err, controller.ErrAborted) {
		fmt.Println("Session aborted.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("\nDone. Conversation: %s\n", ctrl.ConversationID())
	return nil
}
