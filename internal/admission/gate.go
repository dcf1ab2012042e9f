// Package admission decides what a game connection may reach. It sits on
// the proxy's login path, so every decision carries a hard deadline and
// degrades to a denial with a human-readable reason rather than blocking
// the login pipeline.
package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/identity"
	"github.com/crosslink-mc/crosslink/internal/metrics"
	"github.com/crosslink-mc/crosslink/internal/session"
)

// Decision is what the proxy does with an inbound connection.
type Decision int

const (
	// Reject turns the connection away with Reason.
	Reject Decision = iota
	// AllowConnect admits the player to the full network.
	AllowConnect
	// AllowConnectToHoldingOnly pins the player to the holding server
	// named in Target until verification completes.
	AllowConnectToHoldingOnly
)

func (d Decision) String() string {
	switch d {
	case AllowConnect:
		return "allow"
	case AllowConnectToHoldingOnly:
		return "holding_only"
	default:
		return "reject"
	}
}

// Verdict is the gate's answer for one connection attempt.
type Verdict struct {
	Decision Decision
	Target   string // holding server, set for AllowConnectToHoldingOnly
	Reason   string // shown to the player on Reject
}

// checkDeadline bounds a single gate decision. The proxy drops the login
// if we exceed it, so an overdue answer is as bad as a rejection.
const checkDeadline = 2 * time.Second

// Gate maps session states to connection verdicts. It never mutates
// session state except the InHoldingContext → Admitted transition, which
// the configured holding policy controls.
type Gate struct {
	cfg     config.VerificationConfig
	machine *session.Machine
	store   *session.Store
	mets    *metrics.Metrics
	now     func() time.Time
}

// NewGate builds the admission gate.
func NewGate(cfg config.VerificationConfig, machine *session.Machine, store *session.Store, mets *metrics.Metrics) *Gate {
	return newGate(cfg, machine, store, mets, time.Now)
}

func newGate(cfg config.VerificationConfig, machine *session.Machine, store *session.Store,
	mets *metrics.Metrics, now func() time.Time) *Gate {
	return &Gate{cfg: cfg, machine: machine, store: store, mets: mets, now: now}
}

// Check is invoked by the proxy for every login. rawUsername is exactly
// what the client presented, alternate-client prefix included.
func (g *Gate) Check(ctx context.Context, rawUsername string, edition identity.Edition) Verdict {
	ctx, cancel := context.WithTimeout(ctx, checkDeadline)
	defer cancel()

	normalized, _ := identity.Normalize(rawUsername)
	if s, ok := g.store.LookupByUsername(normalized); ok {
		switch s.State {
		case session.StateAdmitted:
			if s.Edition != edition {
				return rejectWrongEdition(s)
			}
			return Verdict{Decision: AllowConnect}
		case session.StateInHoldingContext:
			if s.Edition != edition {
				return rejectWrongEdition(s)
			}
			g.applyHoldingPolicy(ctx, s)
			return g.hold()
		}
	}

	// No resolvable session yet: a first connect may advance a pending
	// session into the holding context.
	verdict := g.machine.ObserveGameConnect(rawUsername, edition)
	switch verdict.Status {
	case session.ConnectWrongEdition:
		return rejectWrongEdition(verdict.Session)
	case session.ConnectNotPending:
		return Verdict{
			Decision: Reject,
			Reason:   "No pending verification for this username. Message the network bot to link your account.",
		}
	}

	// The session just entered the holding context. This connect is
	// answered with the holding verdict even under the immediate policy;
	// the policy advances the session for the next one.
	g.applyHoldingPolicy(ctx, verdict.Session)
	return g.hold()
}

// applyHoldingPolicy drives InHoldingContext → Admitted per configuration.
func (g *Gate) applyHoldingPolicy(ctx context.Context, s session.Session) {
	switch g.cfg.HoldingPolicy {
	case "manual":
		// An operator or holding-server task calls Admit.
	case "min_dwell":
		dwell := g.cfg.MinDwell.Std()
		elapsed := g.now().Sub(s.EnteredHolding)
		if elapsed >= dwell {
			g.admit(ctx, s.ID)
			return
		}
		g.scheduleAdmit(s.ID, dwell-elapsed)
	default: // immediate
		g.admit(ctx, s.ID)
	}
}

// Admit completes a manual or dwell-gated admission out of band.
func (g *Gate) Admit(ctx context.Context, sessionID string) error {
	_, err := g.machine.Admit(ctx, sessionID)
	return err
}

// Unlink releases an admitted binding out of band.
func (g *Gate) Unlink(ctx context.Context, sessionID string) error {
	return g.machine.Unlink(ctx, sessionID)
}

func (g *Gate) admit(ctx context.Context, sessionID string) {
	admitted, err := g.machine.Admit(ctx, sessionID)
	if err != nil {
		slog.Error("[Admission] admit failed", "session", sessionID, "error", err)
		return
	}
	slog.Info("[Admission] player admitted",
		"session", admitted.ID, "username", admitted.NormalizedName, "edition", admitted.Edition.String())
}

func (g *Gate) hold() Verdict {
	return Verdict{
		Decision: AllowConnectToHoldingOnly,
		Target:   g.cfg.HoldingTarget,
		Reason:   "verification pending",
	}
}

func rejectWrongEdition(s session.Session) Verdict {
	return Verdict{
		Decision: Reject,
		Reason:   "Your verification was started for the " + s.Edition.String() + " edition. Reconnect with that client.",
	}
}

// scheduleAdmit fires the dwell-policy admission once the dwell elapses.
// Admitting an expired or cancelled session fails the transition check
// and is a no-op, so the timer needs no cancellation path.
func (g *Gate) scheduleAdmit(sessionID string, after time.Duration) {
	time.AfterFunc(after, func() {
		if err := g.Admit(context.Background(), sessionID); err != nil {
			slog.Debug("[Admission] dwell admit skipped", "session", sessionID, "error", err)
		}
	})
}
