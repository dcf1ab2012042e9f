// Package filter implements the ordered message check chain. Checks run in
// the order the configuration declares them; a CANCEL verdict stops the
// chain, a MODIFY verdict rewrites the canonical text and evaluation
// continues on the rewritten form.
package filter

import (
	"fmt"
	"time"

	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
)

// Outcome is one check's verdict for one message.
type Outcome struct {
	Verdict chat.Verdict
	Reason  string
	Rewrite string // replacement canonical text when Verdict is Modify
}

var allow = Outcome{Verdict: chat.VerdictAllow}

func cancel(reason string) Outcome {
	return Outcome{Verdict: chat.VerdictCancel, Reason: reason}
}

func modify(reason, rewrite string) Outcome {
	return Outcome{Verdict: chat.VerdictModify, Reason: reason, Rewrite: rewrite}
}

// Check is one link in the chain. Evaluate must not mutate the message;
// rewrites travel back through the Outcome.
type Check interface {
	Name() string
	Evaluate(now time.Time, msg *chat.Message, st *SenderState) Outcome
}

// buildCheck maps a config entry to its implementation.
func buildCheck(fc config.FilterConfig) (Check, error) {
	switch fc.Name {
	case "length":
		return newLengthCheck(fc)
	case "cooldown":
		return newCooldownCheck(fc)
	case "repeat":
		return newRepeatCheck(fc)
	case "flood":
		return newFloodCheck(fc)
	case "pattern":
		return newPatternCheck(fc)
	case "caps":
		return newCapsCheck(fc)
	case "command_escape":
		return newCommandEscapeCheck(fc)
	default:
		return nil, fmt.Errorf("filter: unknown check %q", fc.Name)
	}
}
