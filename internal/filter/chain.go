package filter

import (
	"context"
	"log/slog"
	"time"

	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/events"
	"github.com/crosslink-mc/crosslink/internal/metrics"
)

// Result is the chain's combined decision.
type Result struct {
	Verdict chat.Verdict
	Check   string // check that cancelled or last modified
	Reason  string
}

// Chain runs the configured checks in declared order against each message.
type Chain struct {
	checks  []Check
	senders *senderStates
	bus     *events.Bus
	mets    *metrics.Metrics
	now     func() time.Time
}

// NewChain builds the chain from configuration. Unknown check names fail
// construction so a typo cannot silently disable moderation.
func NewChain(cfgs []config.FilterConfig, bus *events.Bus, mets *metrics.Metrics) (*Chain, error) {
	return newChain(cfgs, bus, mets, time.Now)
}

func newChain(cfgs []config.FilterConfig, bus *events.Bus, mets *metrics.Metrics, now func() time.Time) (*Chain, error) {
	checks := make([]Check, 0, len(cfgs))
	for _, fc := range cfgs {
		c, err := buildCheck(fc)
		if err != nil {
			return nil, err
		}
		checks = append(checks, c)
	}
	return &Chain{
		checks:  checks,
		senders: newSenderStates(),
		bus:     bus,
		mets:    mets,
		now:     now,
	}, nil
}

// Evaluate runs the message through every check. A CANCEL short-circuits;
// MODIFY rewrites the canonical text and later checks see the rewrite.
// Sender windows are extended only when the message passes, so cancelled
// spam cannot keep its own cooldown alive.
func (ch *Chain) Evaluate(ctx context.Context, msg *chat.Message) Result {
	now := ch.now()
	st := ch.senders.get(msg.Author.SenderKey())

	result := Result{Verdict: chat.VerdictAllow}
	for _, c := range ch.checks {
		out := c.Evaluate(now, msg, st)
		switch out.Verdict {
		case chat.VerdictCancel:
			ch.mets.FilterVerdicts.WithLabelValues(c.Name(), "cancel").Inc()
			ch.bus.Emit(ctx, events.TypeFilterInfraction, msg.Author.SenderKey(), events.FilterInfraction{
				SenderKey: msg.Author.SenderKey(),
				Check:     c.Name(),
				Reason:    out.Reason,
			})
			slog.Debug("[Filter] cancelled", "check", c.Name(), "sender", msg.Author.SenderKey(), "reason", out.Reason)
			return Result{Verdict: chat.VerdictCancel, Check: c.Name(), Reason: out.Reason}
		case chat.VerdictModify:
			ch.mets.FilterVerdicts.WithLabelValues(c.Name(), "modify").Inc()
			msg.CanonicalText = out.Rewrite
			result = Result{Verdict: chat.VerdictModify, Check: c.Name(), Reason: out.Reason}
		default:
			ch.mets.FilterVerdicts.WithLabelValues(c.Name(), "allow").Inc()
		}
	}

	st.record(now, msg.CanonicalText)
	msg.ProcessedAt = now
	return result
}

// Prune forgets idle senders. Wired to the shared cron schedule.
func (ch *Chain) Prune() int {
	return ch.senders.prune(ch.now())
}
