package eval

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kraklabs/sentryproxy/internal/rules"
	"github.com/kraklabs/sentryproxy/internal/waf/operator"
	"github.com/kraklabs/sentryproxy/internal/waf/vars"
)

// fakeOracle flags any value containing a marker substring.
type fakeOracle struct{ marker string }

func (f fakeOracle) IsSQLi(v string) bool { return strings.Contains(v, f.marker) }
func (f fakeOracle) IsXSS(v string) bool  { return strings.Contains(v, f.marker) }

func installSnapshot(h *rules.Holder, rs ...rules.Rule) {
	h.Swap(&rules.Snapshot{Rules: rs, Version: h.NextVersion(), CreatedAt: time.Now()})
}

func containsRule(pattern string, action rules.Action, id uint32, score int32) rules.Rule {
	return rules.Rule{
		ID:            id,
		Msg:           "test rule",
		Action:        action,
		Operator:      rules.OpContains,
		Pattern:       pattern,
		VariableSpecs: []rules.VariableSpec{{Type: rules.VarArgs}},
		Score:         score,
	}
}

func newEvaluator(observe bool, rs ...rules.Rule) *Evaluator {
	holder := rules.NewHolder()
	installSnapshot(holder, rs...)
	return New(holder, vars.NewPool(), operator.NoopOracle(), observe)
}

func TestEvaluateNoSnapshotAllowsEverything(t *testing.T) {
	e := New(rules.NewHolder(), vars.NewPool(), operator.NoopOracle(), false)
	req := httptest.NewRequest("GET", "/x?q=anything", nil)
	res := e.Evaluate(req, nil, 1<<20, nil)
	if res.Blocked || res.Observed || len(res.Matched) != 0 {
		t.Errorf("no installed snapshot should evaluate zero rules, got %+v", res)
	}
}

func TestBackwardCompatFirstDenyShortCircuits(t *testing.T) {
	e := newEvaluator(false,
		containsRule("harmless", rules.ActionDeny, 1, 0),
		containsRule("attack", rules.ActionDeny, 2, 0),
		containsRule("attack", rules.ActionDeny, 3, 0),
	)
	req := httptest.NewRequest("GET", "/x?q=attack", nil)
	res := e.Evaluate(req, nil, 1<<20, nil)
	if !res.Blocked {
		t.Fatalf("enforce mode deny match should block, got %+v", res)
	}
	if len(res.Matched) != 1 || res.Matched[0].RuleID != 2 {
		t.Errorf("first deny should short-circuit, matched = %+v", res.Matched)
	}
	if res.FirstMatch == nil || res.FirstMatch.RuleID != 2 {
		t.Errorf("FirstMatch should carry the short-circuiting rule, got %+v", res.FirstMatch)
	}
}

func TestBackwardCompatObserveMode(t *testing.T) {
	e := newEvaluator(true, containsRule("attack", rules.ActionDeny, 2, 0))
	req := httptest.NewRequest("GET", "/x?q=attack", nil)
	res := e.Evaluate(req, nil, 1<<20, nil)
	if res.Blocked {
		t.Error("observe mode must never block")
	}
	if !res.Observed {
		t.Error("observe mode deny match should be marked observed")
	}
}

func TestScoringBlocksAtThreshold(t *testing.T) {
	e := newEvaluator(false,
		containsRule("attack", rules.ActionDeny, 1, 3),
		containsRule("attack", rules.ActionDeny, 2, 2),
	)
	req := httptest.NewRequest("GET", "/x?q=attack", nil)
	res := e.Evaluate(req, nil, 1<<20, &DomainConfig{Threshold: 5})
	if !res.Blocked {
		t.Fatalf("total score 5 >= threshold 5 should block, got %+v", res)
	}
	if res.TotalScore != 5 {
		t.Errorf("TotalScore = %d, want 5", res.TotalScore)
	}
}

func TestScoringBelowThresholdObserves(t *testing.T) {
	e := newEvaluator(false, containsRule("attack", rules.ActionDeny, 1, 2))
	req := httptest.NewRequest("GET", "/x?q=attack", nil)
	res := e.Evaluate(req, nil, 1<<20, &DomainConfig{Threshold: 5})
	if res.Blocked {
		t.Error("below-threshold sum must not block")
	}
	if !res.Observed {
		t.Error("below-threshold matches should still be reported as observed")
	}
	if res.TotalScore != 2 {
		t.Errorf("TotalScore = %d, want 2", res.TotalScore)
	}
}

func TestScoringIgnoresLogActionRules(t *testing.T) {
	e := newEvaluator(false,
		containsRule("attack", rules.ActionLog, 1, 100),
		containsRule("attack", rules.ActionDeny, 2, 1),
	)
	req := httptest.NewRequest("GET", "/x?q=attack", nil)
	res := e.Evaluate(req, nil, 1<<20, &DomainConfig{Threshold: 5})
	if res.Blocked {
		t.Errorf("log-action matches must not contribute to the score, got %+v", res)
	}
	if res.TotalScore != 1 {
		t.Errorf("TotalScore = %d, want 1 (deny rules only)", res.TotalScore)
	}
	if len(res.Matched) != 2 {
		t.Errorf("both matches should still be reported, got %d", len(res.Matched))
	}
}

func TestRuleFilterEnabledIDsWins(t *testing.T) {
	e := newEvaluator(false,
		containsRule("attack", rules.ActionDeny, 1, 10),
		containsRule("attack", rules.ActionDeny, 2, 10),
	)
	req := httptest.NewRequest("GET", "/x?q=attack", nil)
	cfg := &DomainConfig{
		Threshold:  5,
		RuleFilter: RuleFilter{EnabledIDs: map[uint32]struct{}{2: {}}},
	}
	res := e.Evaluate(req, nil, 1<<20, cfg)
	if len(res.Matched) != 1 || res.Matched[0].RuleID != 2 {
		t.Errorf("enabled_ids should restrict evaluation to rule 2, matched = %+v", res.Matched)
	}
}

func TestRuleFilterDisabledIDs(t *testing.T) {
	e := newEvaluator(false,
		containsRule("attack", rules.ActionDeny, 1, 10),
		containsRule("attack", rules.ActionDeny, 2, 10),
	)
	req := httptest.NewRequest("GET", "/x?q=attack", nil)
	cfg := &DomainConfig{
		Threshold:  5,
		RuleFilter: RuleFilter{DisabledIDs: map[uint32]struct{}{1: {}}},
	}
	res := e.Evaluate(req, nil, 1<<20, cfg)
	if len(res.Matched) != 1 || res.Matched[0].RuleID != 2 {
		t.Errorf("disabled_ids should exclude rule 1, matched = %+v", res.Matched)
	}
}

func TestLibinjectionOperatorUsesOracle(t *testing.T) {
	holder := rules.NewHolder()
	installSnapshot(holder, rules.Rule{
		ID:            942100,
		Msg:           "SQLi",
		Action:        rules.ActionDeny,
		Operator:      rules.OpLibinjectionSQLi,
		VariableSpecs: []rules.VariableSpec{{Type: rules.VarArgs}},
	})
	e := New(holder, vars.NewPool(), fakeOracle{marker: "UNION SELECT"}, false)

	req := httptest.NewRequest("GET", "/search?q=1+UNION+SELECT+password+FROM+users", nil)
	res := e.Evaluate(req, nil, 1<<20, nil)
	if !res.Blocked {
		t.Fatalf("oracle hit should block, got %+v", res)
	}
	if res.FirstMatch.RuleID != 942100 {
		t.Errorf("blocking rule id = %d, want 942100", res.FirstMatch.RuleID)
	}

	clean := httptest.NewRequest("GET", "/search?q=kittens", nil)
	if res := e.Evaluate(clean, nil, 1<<20, nil); res.Blocked {
		t.Errorf("clean request should pass, got %+v", res)
	}
}

func TestHeaderNameWhitelist(t *testing.T) {
	holder := rules.NewHolder()
	installSnapshot(holder, rules.Rule{
		ID:       7,
		Msg:      "UA probe",
		Action:   rules.ActionDeny,
		Operator: rules.OpContains,
		Pattern:  "sqlmap",
		VariableSpecs: []rules.VariableSpec{
			{Type: rules.VarHeaders, HeaderNames: []string{"User-Agent"}},
		},
	})
	e := New(holder, vars.NewPool(), operator.NoopOracle(), false)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("User-Agent", "sqlmap/1.0")
	if res := e.Evaluate(req, nil, 1<<20, nil); !res.Blocked {
		t.Errorf("whitelisted header hit should block, got %+v", res)
	}

	req2 := httptest.NewRequest("GET", "/", nil)
	req2.Header.Set("X-Other", "sqlmap/1.0")
	if res := e.Evaluate(req2, nil, 1<<20, nil); res.Blocked {
		t.Errorf("non-whitelisted header must be ignored, got %+v", res)
	}
}

func TestEvaluatedRuleCountMatchesSnapshot(t *testing.T) {
	// A no-match request still probes every unfiltered rule: the match set
	// is empty but deterministic.
	e := newEvaluator(false,
		containsRule("a-thing", rules.ActionDeny, 1, 1),
		containsRule("b-thing", rules.ActionDeny, 2, 1),
	)
	req := httptest.NewRequest("GET", "/x?q=benign", nil)
	first := e.Evaluate(req, nil, 1<<20, nil)
	second := e.Evaluate(req, nil, 1<<20, nil)
	if len(first.Matched) != 0 || len(second.Matched) != 0 {
		t.Errorf("benign input should match nothing: %+v / %+v", first.Matched, second.Matched)
	}
	if first.Blocked || second.Blocked {
		t.Error("benign input should never block")
	}
}
