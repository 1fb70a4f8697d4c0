package alerts

import (
	"fmt"
	"strings"

	"hedge-bot/internal/hedge"
)

// CycleMessage renders the operator alert for a cycle that needs attention. It returns
// the empty string for cycles that ended Balanced or Aborted without exposure.
func CycleMessage(res hedge.CycleResult) string {
	if res.Outcome != hedge.OutcomeImbalanced {
		return ""
	}
	lines := []string{
		fmt.Sprintf("hedge cycle %d imbalanced (%s)", res.Seq, res.Instrument),
		fmt.Sprintf("filled: %s=%s %s=%s target=%s", res.LegA.Venue, res.FilledA, res.LegB.Venue, res.FilledB, res.Target),
		fmt.Sprintf("residual: %s open: %s", res.ResidualDelta, res.OpenResidual),
	}
	if u := res.Unwind; u != nil {
		status := "ok"
		if !u.Succeeded {
			status = "FAILED"
			if u.Error != "" {
				status += ": " + u.Error
			}
		}
		lines = append(lines, fmt.Sprintf("unwind %s %s %s @ %s filled %s: %s", u.Venue, u.Side, u.Quantity, u.Price, u.Filled, status))
	}
	if res.Failure != "" {
		lines = append(lines, fmt.Sprintf("failure: %s", res.Failure))
	}
	if res.Interrupted {
		lines = append(lines, "interrupted by shutdown")
	}
	return strings.Join(lines, "\n")
}

func HaltMessage(reason string) string {
	return fmt.Sprintf("hedger halted: %s\nsend /resume after flattening exposure", reason)
}
