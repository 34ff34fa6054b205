// Package eval implements the WAF's scoring evaluator: it reads the
// currently installed rule snapshot, extracts request variables into a
// pooled buffer, applies each rule's transform pipeline and operator, and
// reduces the matches into either a backward-compatible first-deny-wins
// decision or a scoring-threshold decision.
package eval

import (
	"net/http"

	"github.com/kraklabs/sentryproxy/internal/rules"
	"github.com/kraklabs/sentryproxy/internal/waf/operator"
	"github.com/kraklabs/sentryproxy/internal/waf/transform"
	"github.com/kraklabs/sentryproxy/internal/waf/vars"
)

// DefaultThreshold is used when no domain config is supplied.
const DefaultThreshold = 5

// RuleFilter mirrors DomainConfig.rule_filter: if EnabledIDs is
// non-empty, only those rule ids are evaluated; otherwise every rule not in
// DisabledIDs is evaluated.
type RuleFilter struct {
	EnabledIDs  map[uint32]struct{}
	DisabledIDs map[uint32]struct{}
}

// Allows reports whether id should be evaluated under f.
func (f RuleFilter) Allows(id uint32) bool {
	if len(f.EnabledIDs) > 0 {
		_, ok := f.EnabledIDs[id]
		return ok
	}
	_, excluded := f.DisabledIDs[id]
	return !excluded
}

// DomainConfig carries the per-domain knobs the evaluator needs. A nil
// *DomainConfig selects backward-compatible mode (first deny wins, no
// scoring); a non-nil one selects scoring mode.
type DomainConfig struct {
	Threshold  int32
	RuleFilter RuleFilter
}

// Match is one rule that fired during evaluation.
type Match struct {
	RuleID uint32
	Msg    string
	Score  int32
	Var    rules.VariableType
	Value  string
}

// Result is the outcome of one evaluation.
type Result struct {
	Blocked      bool
	Observed     bool
	TotalScore   int32
	Threshold    int32
	Matched      []Match
	FirstMatch   *Match // first matched rule, regardless of mode
	ScoringMode  bool
}

// Evaluator ties a snapshot holder, a variable-snapshot pool, and an
// operator oracle together. Observe reports whether the WAF runs in
// observe-only mode (matches are logged, never blocked).
type Evaluator struct {
	holder  *rules.Holder
	pool    *vars.Pool
	oracle  operator.Oracle
	observe bool
}

// New constructs an Evaluator. oracle may be operator.NoopOracle() if no
// LibInjection backend is wired.
func New(holder *rules.Holder, pool *vars.Pool, oracle operator.Oracle, observe bool) *Evaluator {
	return &Evaluator{holder: holder, pool: pool, oracle: oracle, observe: observe}
}

// Evaluate runs the full rule set (or the domain-filtered subset) against
// req and body. domainCfg == nil selects backward-compatible first-deny-wins
// mode; non-nil selects scoring mode.
func (e *Evaluator) Evaluate(req *http.Request, body []byte, bodyLimit int, domainCfg *DomainConfig) Result {
	snap := e.holder.Current()
	if snap == nil {
		return Result{Threshold: e.thresholdFor(domainCfg)}
	}

	snapshot := e.pool.Acquire()
	defer e.pool.Release(snapshot)
	vars.Populate(snapshot, req, body, bodyLimit)

	result := Result{Threshold: e.thresholdFor(domainCfg), ScoringMode: domainCfg != nil}

	var denyScore int32
	for i := range snap.Rules {
		rule := &snap.Rules[i]
		if domainCfg != nil && !domainCfg.RuleFilter.Allows(rule.ID) {
			continue
		}
		if m, ok := e.matchRule(snapshot, rule); ok {
			result.Matched = append(result.Matched, m)
			if result.FirstMatch == nil {
				result.FirstMatch = &m
			}
			if rule.Action == rules.ActionDeny {
				if domainCfg == nil {
					// Backward-compatible mode: first deny match short-circuits.
					e.applyBackwardCompat(&result, m)
					return result
				}
				denyScore += m.Score
			}
		}
	}

	if domainCfg != nil {
		e.applyScoring(&result, denyScore)
	}
	return result
}

func (e *Evaluator) thresholdFor(cfg *DomainConfig) int32 {
	if cfg == nil {
		return DefaultThreshold
	}
	if cfg.Threshold == 0 {
		return DefaultThreshold
	}
	return cfg.Threshold
}

// matchRule probes each of the rule's variable specs in order, stopping at
// the first value that matches.
func (e *Evaluator) matchRule(snapshot *vars.Snapshot, rule *rules.Rule) (Match, bool) {
	for _, spec := range rule.VariableSpecs {
		var values []string
		if spec.Type == rules.VarHeaders {
			values = snapshot.GetValuesForHeaders(spec.HeaderNames)
		} else {
			values = snapshot.GetValues(spec.Type)
		}
		for _, raw := range values {
			candidate := transform.Chain(rule.Transforms, raw)
			if operator.Match(rule.Operator, rule.CompiledRegex, rule.Pattern, e.oracle, candidate) {
				return Match{
					RuleID: rule.ID,
					Msg:    rule.Msg,
					Score:  rule.EffectiveScore(),
					Var:    spec.Type,
					Value:  raw,
				}, true
			}
		}
	}
	return Match{}, false
}

// applyBackwardCompat resolves a first-deny match in non-scoring mode.
func (e *Evaluator) applyBackwardCompat(result *Result, m Match) {
	if e.observe {
		result.Observed = true
		return
	}
	result.Blocked = true
}

// applyScoring compares the summed effective score of every matched deny
// rule against the threshold. Matched log-action rules are reported but
// never contribute.
func (e *Evaluator) applyScoring(result *Result, denyScore int32) {
	result.TotalScore = denyScore
	if denyScore < result.Threshold {
		if len(result.Matched) > 0 {
			result.Observed = true // below-threshold matches are still reported as observed
		}
		return
	}
	if e.observe {
		result.Observed = true
		return
	}
	result.Blocked = true
}
