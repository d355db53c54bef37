// internal/types/events.go
package types

import "encoding/json"

// EventKind names a stream event as it appears on the wire. The vocabulary
// must match the server exactly.
type EventKind string

const (
	KindStart                EventKind = "start"
	KindIntentAnalysis       EventKind = "intent_analysis"
	KindKBEvaluation         EventKind = "kb_evaluation"
	KindConfirmationRequired EventKind = "user_confirmation_required"
	KindPlanUpdate           EventKind = "planner_update"
	KindSearchResult         EventKind = "search_result"
	KindVerification         EventKind = "verification_feedback"
	KindRetry                EventKind = "retry_trigger"
	KindFinalReport          EventKind = "final_report"
	KindAnswer               EventKind = "answer"
	KindError                EventKind = "error"
	KindEnd                  EventKind = "end"
)

// StreamEvent is the tagged union of everything the server can push.
// Each variant is a concrete struct; Kind is the discriminator.
type StreamEvent interface {
	Kind() EventKind
}

type StartEvent struct {
	Message        string         `json:"message"`
	Query          string         `json:"query"`
	ConversationID ConversationID `json:"conversation_id"`
	Operation      Operation      `json:"operation_type"`
}

type IntentAnalysisEvent struct {
	IntentType string          `json:"intent_type"`
	Raw        json.RawMessage `json:"-"`
}

type KBEvaluationEvent struct {
	SufficiencyLevel  string  `json:"sufficiency_level"`
	RelevanceScore    float64 `json:"relevance_score"`
	CoverageScore     float64 `json:"coverage_score"`
	NeedsConfirmation bool    `json:"needs_confirmation"`
	Prompt            string  `json:"prompt"`
}

type ConfirmationRequiredEvent struct {
	Prompt           string         `json:"prompt"`
	SufficiencyLevel string         `json:"sufficiency_level"`
	ConversationID   ConversationID `json:"conversation_id"`
}

type PlanUpdateEvent struct {
	Step string   `json:"step"`
	Plan []string `json:"plan"`
}

type SearchResultEvent struct {
	Query   string `json:"query"`
	Snippet string `json:"snippet"`
}

type VerificationEvent struct {
	IsValid bool   `json:"is_valid"`
	Reason  string `json:"reason"`
}

type RetryEvent struct {
	RetryCount int    `json:"retry_count"`
	Message    string `json:"message"`
}

type FinalReportEvent struct {
	Content        string         `json:"content"`
	ConversationID ConversationID `json:"conversation_id"`
	Type           string         `json:"type,omitempty"`
	Modification   string         `json:"modification,omitempty"`
	Expansion      string         `json:"expansion,omitempty"`
}

type AnswerEvent struct {
	Content        string         `json:"content"`
	ConversationID ConversationID `json:"conversation_id"`
	Type           string         `json:"type,omitempty"`
}

type ErrorEvent struct {
	Err     string `json:"error"`
	Message string `json:"message"`
}

type EndEvent struct {
	Message        string         `json:"message"`
	ConversationID ConversationID `json:"conversation_id"`
}

func (StartEvent) Kind() EventKind                { return KindStart }
func (IntentAnalysisEvent) Kind() EventKind       { return KindIntentAnalysis }
func (KBEvaluationEvent) Kind() EventKind         { return KindKBEvaluation }
func (ConfirmationRequiredEvent) Kind() EventKind { return KindConfirmationRequired }
func (PlanUpdateEvent) Kind() EventKind           { return KindPlanUpdate }
func (SearchResultEvent) Kind() EventKind         { return KindSearchResult }
func (VerificationEvent) Kind() EventKind         { return KindVerification }
func (RetryEvent) Kind() EventKind                { return KindRetry }
func (FinalReportEvent) Kind() EventKind          { return KindFinalReport }
func (AnswerEvent) Kind() EventKind               { return KindAnswer }
func (ErrorEvent) Kind() EventKind                { return KindError }
func (EndEvent) Kind() EventKind                  { return KindEnd }
