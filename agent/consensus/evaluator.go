package consensus

import (
	"fmt"
	"strings"

	statex "github.com/tanpawarit/advisor-council/agent/state"
)

type Decision string

const (
	DecisionConsensus Decision = "consensus_reached"
	DecisionContinue  Decision = "continue"
	DecisionExhausted Decision = "max_rounds_exhausted"
)

// ratioEpsilon absorbs float error so ratio == threshold counts as consensus.
const ratioEpsilon = 1e-9

type Result struct {
	Decision  Decision
	Outcome   statex.Outcome
	OpenItems []string
}

type Evaluator struct {
	synthesisRole string
}

// New returns an evaluator whose final recommendation is led by synthesisRole.
func New(synthesisRole string) *Evaluator {
	return &Evaluator{synthesisRole: strings.TrimSpace(synthesisRole)}
}

// ShouldEvaluate reports whether the evaluator runs after round index.
func ShouldEvaluate(index, maxRounds int) bool {
	return index >= 2 || (index == 1 && maxRounds == 1)
}

// Evaluate classifies the latest round of sess.
func (e *Evaluator) Evaluate(sess *statex.Session) (Result, error) {
	if sess == nil {
		return Result{}, statex.ErrNilSession
	}
	last := sess.LastRound()
	if last == nil {
		return Result{}, fmt.Errorf("%w: no round to evaluate", statex.ErrInvalidRound)
	}

	var agreements, concerns, blockers []string
	for _, t := range last.Turns {
		agreements = append(agreements, t.Agreements...)
		concerns = append(concerns, t.Concerns...)
		blockers = append(blockers, t.Blockers...)
	}

	outcome := statex.Outcome{
		Agreements:     dedupe(agreements),
		Concerns:       dedupe(concerns),
		Blockers:       dedupe(blockers),
		AgreementRatio: Ratio(len(agreements), len(concerns), len(blockers)),
	}

	if outcome.AgreementRatio+ratioEpsilon >= sess.ConsensusThreshold && len(blockers) == 0 && len(agreements)+len(concerns) > 0 {
		outcome.FinalRecommendation = e.synthesize(last, outcome.Agreements)
		if outcome.FinalRecommendation != "" {
			return Result{Decision: DecisionConsensus, Outcome: outcome}, nil
		}
	}

	if last.Index < sess.MaxRounds {
		outcome.FinalRecommendation = ""
		open := outcome.Blockers
		if len(open) == 0 {
			open = outcome.Concerns
		}
		return Result{
			Decision:  DecisionContinue,
			Outcome:   outcome,
			OpenItems: append([]string(nil), open...),
		}, nil
	}

	outcome.FinalRecommendation = ""
	outcome.PartialRecommendation = e.synthesize(last, outcome.Agreements)
	return Result{Decision: DecisionExhausted, Outcome: outcome}, nil
}

// Ratio is agreements over all statements, 0 when there are none.
func Ratio(agreements, concerns, blockers int) float64 {
	total := agreements + concerns + blockers
	if total == 0 {
		return 0
	}
	return float64(agreements) / float64(total)
}

// synthesize leads with the synthesis role's recommendation, falling back to
// the first non-empty one in speaking order, then lists the agreed points.
func (e *Evaluator) synthesize(r *statex.Round, agreed []string) string {
	lead := ""
	for _, t := range r.Turns {
		if t.AgentRole == e.synthesisRole && t.Recommendation != "" {
			lead = t.Recommendation
			break
		}
	}
	if lead == "" {
		for _, t := range r.Turns {
			if t.Recommendation != "" {
				lead = t.Recommendation
				break
			}
		}
	}

	var b strings.Builder
	b.WriteString(lead)
	if len(agreed) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Agreed points:")
		for _, a := range agreed {
			b.WriteString("\n- ")
			b.WriteString(a)
		}
	}
	return strings.TrimSpace(b.String())
}

// dedupe keeps first occurrences, comparing case- and space-insensitively.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(strings.Join(strings.Fields(s), " "))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
