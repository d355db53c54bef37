// internal/stream/decode.go
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/user/reportstream/internal/types"
)

// decoders maps wire event names to typed decoders. Unknown names are not
// an error at this layer; the caller decides whether to log or drop.
var decoders = map[string]func([]byte) (types.StreamEvent, error){
	string(types.KindStart):                decodeJSON[types.StartEvent],
	string(types.KindIntentAnalysis):       decodeIntentAnalysis,
	string(types.KindKBEvaluation):         decodeJSON[types.KBEvaluationEvent],
	string(types.KindConfirmationRequired): decodeJSON[types.ConfirmationRequiredEvent],
	string(types.KindPlanUpdate):           decodeJSON[types.PlanUpdateEvent],
	string(types.KindSearchResult):         decodeJSON[types.SearchResultEvent],
	string(types.KindVerification):         decodeJSON[types.VerificationEvent],
	string(types.KindRetry):                decodeJSON[types.RetryEvent],
	string(types.KindFinalReport):          decodeJSON[types.FinalReportEvent],
	string(types.KindAnswer):               decodeJSON[types.AnswerEvent],
	string(types.KindError):                decodeJSON[types.ErrorEvent],
	string(types.KindEnd):                  decodeJSON[types.EndEvent],
}

func decodeJSON[E types.StreamEvent](data []byte) (types.StreamEvent, error) {
	var ev E
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// decodeIntentAnalysis keeps the full payload alongside the extracted
// intent type; the server's intent object is free-form.
func decodeIntentAnalysis(data []byte) (types.StreamEvent, error) {
	var ev types.IntentAnalysisEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	ev.Raw = json.RawMessage(append([]byte(nil), data...))
	return ev, nil
}

// decodeEvent turns a raw wire event into its typed form.
func decodeEvent(raw rawEvent) (types.StreamEvent, error) {
	dec, ok := decoders[raw.name]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", raw.name)
	}
	ev, err := dec([]byte(raw.data))
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", raw.name, err)
	}
	return ev, nil
}
