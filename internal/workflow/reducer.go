// internal/workflow/reducer.go
package workflow

import (
	"fmt"
	"log/slog"

	"github.com/user/reportstream/internal/types"
)

// Apply reduces one stream event into the state. Malformed or
// protocol-violating events are logged and dropped; Apply never fails.
// Events arriving after end are dropped.
func (s *State) Apply(ev types.StreamEvent) {
	if s.Ended {
		slog.Warn("event after end dropped", "kind", ev.Kind())
		return
	}

	switch e := ev.(type) {
	case types.StartEvent:
		s.note("task started: " + e.Query)

	case types.IntentAnalysisEvent:
		if s.Stage == StageIdle {
			s.Stage = StagePlanning
		}
		if e.IntentType != "" {
			s.note("intent recognized: " + e.IntentType)
		} else {
			s.note("intent analysis complete")
		}

	case types.KBEvaluationEvent:
		if s.Stage == StageIdle {
			s.Stage = StagePlanning
		}
		s.note(fmt.Sprintf("knowledge base evaluated: %s (relevance %.2f)", e.SufficiencyLevel, e.RelevanceScore))

	case types.ConfirmationRequiredEvent:
		// Single-slot pending decision; a second request while one is
		// outstanding is a protocol violation.
		if s.PendingConfirmation != "" {
			slog.Warn("confirmation requested while one is pending, ignoring")
			return
		}
		s.Stage = StageAwaitingConfirmation
		s.PendingConfirmation = e.Prompt
		s.note("awaiting user confirmation")

	case types.PlanUpdateEvent:
		if len(e.Plan) == 0 {
			slog.Warn("planner update without steps dropped")
			return
		}
		s.PlanSteps = append([]string(nil), e.Plan...)
		s.Stage = StagePlanning
		s.note(fmt.Sprintf("plan generated with %d steps", len(e.Plan)))

	case types.SearchResultEvent:
		if e.Query == "" {
			slog.Warn("search result without query dropped")
			return
		}
		s.Stage = StageSearching
		s.SearchLog = append(s.SearchLog, SearchEntry{
			Query:   e.Query,
			Snippet: NormalizeSnippet(e.Snippet),
		})

	case types.VerificationEvent:
		s.Stage = StageVerifying
		s.Verifications = append(s.Verifications, Verification{Valid: e.IsValid, Reason: e.Reason})
		if e.IsValid {
			s.note("verification passed")
		} else {
			s.note("verification failed: " + e.Reason)
		}

	case types.RetryEvent:
		// The server owns the retry cap; the client records what it is
		// told, keeping the counter monotonic.
		if e.RetryCount > s.RetryCount {
			s.RetryCount = e.RetryCount
		} else {
			s.RetryCount++
		}
		s.note(fmt.Sprintf("retry %d: replanning", s.RetryCount))

	case types.AnswerEvent:
		s.Answer = e.Content
		s.note("answer received")

	case types.FinalReportEvent:
		s.Report = e.Content
		s.Stage = StageReporting
		s.note("report generated")

	case types.ErrorEvent:
		if s.ErrorHandled {
			slog.Warn("duplicate error event suppressed", "error", e.Err)
			return
		}
		s.ErrorHandled = true
		s.ErrorMessage = e.Err
		s.Stage = StageFailed
		s.note("failed: " + e.Message)

	case types.EndEvent:
		s.Ended = true
		if s.Stage != StageFailed {
			s.Stage = StageCompleted
		}
		s.note("processing complete")

	default:
		slog.Warn("unhandled event kind", "kind", ev.Kind())
	}
}
