// internal/workflow/state.go
package workflow

// Stage is a session's position in the server pipeline, as derived from
// the event stream.
type Stage string

const (
	StageIdle                 Stage = "idle"
	StagePlanning             Stage = "planning"
	StageSearching            Stage = "searching"
	StageVerifying            Stage = "verifying"
	StageReporting            Stage = "reporting"
	StageAwaitingConfirmation Stage = "awaiting_confirmation"
	StageCompleted            Stage = "completed"
	StageFailed               Stage = "failed"
)

// SearchEntry is one (query, snippet) pair from the search log.
type SearchEntry struct {
	Query   string `json:"query"`
	Snippet string `json:"snippet"`
}

// Verification is one verifier verdict.
type Verification struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// State is the pure reduction of the ordered event stream. It is mutated
// only by Apply and ResolveConfirmation, in arrival order, from a single
// goroutine.
type State struct {
	Stage               Stage          `json:"stage"`
	Steps               []string       `json:"steps"`
	PlanSteps           []string       `json:"plan_steps"`
	SearchLog           []SearchEntry  `json:"search_log"`
	Verifications       []Verification `json:"verifications"`
	RetryCount          int            `json:"retry_count"`
	Report              string         `json:"report"`
	Answer              string         `json:"answer"`
	PendingConfirmation string         `json:"pending_confirmation"`
	ErrorMessage        string         `json:"error_message"`
	ErrorHandled        bool           `json:"error_handled"`
	Ended               bool           `json:"ended"`
}

// NewState returns an idle session state.
func NewState() *State {
	return &State{Stage: StageIdle}
}

// Terminal reports whether the session reached a terminal stage.
func (s *State) Terminal() bool {
	return s.Stage == StageCompleted || s.Stage == StageFailed
}

// AwaitingConfirmation reports whether a confirmation decision is
// outstanding.
func (s *State) AwaitingConfirmation() bool {
	return s.PendingConfirmation != ""
}

// ResolveConfirmation consumes the pending confirmation slot after the
// user's decision has been delivered to the server.
func (s *State) ResolveConfirmation(confirmed bool) {
	if s.PendingConfirmation == "" {
		return
	}
	s.PendingConfirmation = ""
	if s.Stage == StageAwaitingConfirmation {
		s.Stage = StagePlanning
	}
	if confirmed {
		s.note("search confirmed, continuing")
	} else {
		s.note("search declined, continuing with existing content")
	}
}

func (s *State) note(text string) {
	s.Steps = append(s.Steps, text)
}
