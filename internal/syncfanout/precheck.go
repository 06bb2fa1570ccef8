package syncfanout

import (
	"fmt"

	"github.com/Subaru-PFS/ics-spsActor/internal/failure"
	"github.com/Subaru-PFS/ics-spsActor/internal/keywords"
	"github.com/Subaru-PFS/ics-spsActor/internal/remote"
)

// FSMState is a two-valued (mode, substate) pair as published by an ENU/CCD
// FSM keyword, e.g. {"ONLINE", "IDLE"}.
type FSMState [2]string

// RequireFSM builds a PreCheck that reads actor's keyword (expected to carry
// exactly two values, mode and substate) and fails with kind unless the
// current state matches one of allowed, e.g. (ONLINE, IDLE) for a
// slit-controller pre-check.
func RequireFSM(reg *keywords.Registry, kind failure.Kind, actor, keyword string, allowed ...FSMState) PreCheck {
	return func() *failure.Failure {
		values, _, ok := reg.Value(actor, keyword)
		if !ok || len(values) < 2 {
			return failure.New(kind, actor, keyword+" not reported")
		}
		state := FSMState{values[0], values[1]}
		for _, a := range allowed {
			if a == state {
				return nil
			}
		}
		return failure.New(kind, actor, fmt.Sprintf("%s state is (%s,%s)", keyword, state[0], state[1]))
	}
}

// RequireKeywordOK builds a PreCheck requiring a single-valued keyword to
// read "OK", such as a per-axis CCD motor status keyword.
func RequireKeywordOK(reg *keywords.Registry, kind failure.Kind, actor, keyword string) PreCheck {
	return func() *failure.Failure {
		values, _, ok := reg.Value(actor, keyword)
		if !ok || len(values) == 0 || values[0] != "OK" {
			return failure.New(kind, actor, keyword+" not OK")
		}
		return nil
	}
}

// PublishKeyword builds a PostCheck that republishes one reply keyword
// verbatim under the same name, if present in the reply.
func PublishKeyword(reg *keywords.Registry, actor, keyword string) PostCheck {
	return func(reply remote.ReplyBundle) {
		if v, ok := reply.Keywords[keyword]; ok {
			reg.Publish(actor, keyword, v...)
		}
	}
}

// PublishKeywords builds a PostCheck that republishes several reply keywords
// verbatim, if present (for example a slit's focus, dither-x and dither-y).
func PublishKeywords(reg *keywords.Registry, actor string, keywordNames ...string) PostCheck {
	return func(reply remote.ReplyBundle) {
		for _, kw := range keywordNames {
			if v, ok := reply.Keywords[kw]; ok {
				reg.Publish(actor, kw, v...)
			}
		}
	}
}
