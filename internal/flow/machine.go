// Package flow drives multi-step DM conversations. The transition logic is a
// pure function over the session value; timers, locks and delivery live in
// the engine so the state machine stays unit-testable without I/O.
package flow

import (
	"regexp"
	"strings"

	"github.com/dryonlabs/engage-bot/internal/models"
)

// Decision is the outcome of feeding one inbound reply to a session.
type Decision struct {
	Session models.Session
	// SendMessage, when non-empty, is the next scripted message to deliver.
	SendMessage string
	// NextStep is the index whose timeout should be armed after sending.
	NextStep int
	Escalate bool
	Reason   string
}

// Advance applies one user reply to a session bound to the given flow.
// It never performs I/O; callers persist the returned session and act on
// the side-effect fields.
func Advance(session models.Session, flow models.Flow, reply string) Decision {
	if session.Status.Terminal() || session.Status == models.SessionEscalated {
		return Decision{Session: session}
	}

	session.MessageCount++

	if session.StepIndex >= len(flow.Steps) {
		// Defensive: a flow edited shorter than the session's position.
		session.Status = models.SessionCompleted
		return Decision{Session: session}
	}

	step := flow.Steps[session.StepIndex]
	if !matchStep(step.ExpectedPattern, reply) {
		session.StepAttempts++
		budget := step.MaxAttempts
		if budget <= 0 {
			budget = 1
		}
		if session.StepAttempts >= budget {
			session.Status = models.SessionEscalated
			return Decision{
				Session:  session,
				Escalate: true,
				Reason:   "no pattern match within retry budget",
			}
		}
		// Re-prompt with the same step message.
		session.Status = models.SessionWaitingReply
		return Decision{
			Session:     session,
			SendMessage: step.Message,
			NextStep:    session.StepIndex,
		}
	}

	session.StepIndex++
	session.StepAttempts = 0

	if session.StepIndex >= len(flow.Steps) {
		session.Status = models.SessionCompleted
		return Decision{Session: session}
	}

	next := flow.Steps[session.StepIndex]
	session.Status = models.SessionWaitingReply
	return Decision{
		Session:     session,
		SendMessage: next.Message,
		NextStep:    session.StepIndex,
	}
}

// matchStep checks a reply against a step's expected pattern. Patterns are
// case-insensitive regular expressions; an empty pattern accepts anything,
// and a pattern that fails to compile degrades to a substring check.
func matchStep(pattern, reply string) bool {
	if pattern == "" {
		return true
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return strings.Contains(strings.ToLower(reply), strings.ToLower(pattern))
	}
	return re.MatchString(reply)
}

// SelectFlow picks the flow a fresh inbound DM should start: keyword flows
// are checked first, then the generic new_dm flow. Paused and archived flows
// never match.
func SelectFlow(flows []*models.Flow, text string) *models.Flow {
	lower := strings.ToLower(text)

	for _, f := range flows {
		if f.Status != models.FlowActive || f.Trigger != models.FlowTriggerKeyword {
			continue
		}
		for _, kw := range f.TriggerKeywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return f
			}
		}
	}

	for _, f := range flows {
		if f.Status == models.FlowActive && f.Trigger == models.FlowTriggerNewDM {
			return f
		}
	}

	return nil
}
