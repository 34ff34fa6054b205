package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/sentryproxy/internal/waf/transform"
)

// yamlRuleFile mirrors the rule file shape: { rules: [ ... ] }.
type yamlRuleFile struct {
	Rules []yamlRule `yaml:"rules"`
}

type yamlRule struct {
	ID           uint32         `yaml:"id"`
	Msg          string         `yaml:"msg"`
	Action       string         `yaml:"action"`
	Operator     string         `yaml:"operator"`
	Pattern      *string        `yaml:"pattern"`
	Variables    []yamlVariable `yaml:"variables"`
	Transforms   []string       `yaml:"transforms"`
	Score        int32          `yaml:"score"`
	DefaultScore int32          `yaml:"default_score"`
}

// yamlVariable accepts both `"ARGS"` (bare string) and
// `{type: HEADERS, names: [X-Foo]}` (mapping) forms.
type yamlVariable struct {
	Type  string
	Names []string
}

func (v *yamlVariable) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&v.Type)
	}
	var m struct {
		Type  string   `yaml:"type"`
		Names []string `yaml:"names"`
	}
	if err := node.Decode(&m); err != nil {
		return err
	}
	v.Type = m.Type
	v.Names = m.Names
	return nil
}

// fileState tracks a loaded file's mtime for check_and_reload detection.
type fileState struct {
	modTime time.Time
}

// Loader reads *.yaml rule files from a directory tree and builds immutable
// Snapshots, tracking file mtimes so check_and_reload completes in bounded
// time (a directory walk plus mtime reads, never re-parsing rule bodies).
type Loader struct {
	dir string

	mu    sync.Mutex
	known map[string]fileState
}

// NewLoader constructs a Loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:   dir,
		known: make(map[string]fileState),
	}
}

// Load reads every *.yaml file under dir recursively, builds a new Snapshot
// whose Version is holder.NextVersion(), and atomically installs it.
// Per-file and per-rule failures are logged and skipped; they never fail
// the whole load.
func (l *Loader) Load(holder *Holder) (*Snapshot, error) {
	snap, err := l.build(holder.NextVersion())
	if err != nil {
		return nil, err
	}
	holder.Swap(snap)
	l.recordKnown(snap.FileChecksums)
	return snap, nil
}

// Validate performs the same parse as Load without publishing anything, so
// a broken rule directory can be rejected before any swap is attempted.
func (l *Loader) Validate() error {
	_, err := l.build(0)
	return err
}

// CheckAndReload reports whether any known file's mtime changed, any
// previously loaded file vanished, or any new file appeared. It performs
// only a directory walk and mtime reads, so its cost is independent of
// snapshot size.
func (l *Loader) CheckAndReload() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]bool, len(l.known))
	changed := false

	_ = filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".yaml") {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		seen[path] = true
		prev, known := l.known[path]
		if !known || !prev.modTime.Equal(info.ModTime()) {
			changed = true
		}
		return nil
	})

	if !changed {
		for path := range l.known {
			if !seen[path] {
				changed = true
				break
			}
		}
	}
	return changed
}

func (l *Loader) recordKnown(checksums map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.known = make(map[string]fileState, len(checksums))
	_ = filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".yaml") {
			return nil
		}
		if _, tracked := checksums[path]; !tracked {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		l.known[path] = fileState{modTime: info.ModTime()}
		return nil
	})
}

// build performs the actual parse+compile pass. version == 0 is used by
// Validate, which discards the result.
func (l *Loader) build(version int64) (*Snapshot, error) {
	var paths []string
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, ".yaml") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking rule dir %q: %w", l.dir, err)
	}
	sort.Strings(paths)

	snap := &Snapshot{
		Version:       version,
		CreatedAt:     time.Now(),
		FileChecksums: make(map[string]string, len(paths)),
	}

	for _, path := range paths {
		data, readErr := os.ReadFile(path) // #nosec G304 -- path from a directory walk under an operator-controlled rule dir
		if readErr != nil {
			slog.Warn("skipping unreadable rule file", "path", path, "error", readErr)
			continue
		}

		var file yamlRuleFile
		if parseErr := yaml.Unmarshal(data, &file); parseErr != nil {
			slog.Warn("skipping unparseable rule file", "path", path, "error", parseErr)
			continue
		}

		for _, yr := range file.Rules {
			rule, ok := compileRule(yr, path)
			if !ok {
				continue
			}
			snap.Rules = append(snap.Rules, rule)
		}

		sum := sha256.Sum256(data)
		snap.FileChecksums[path] = hex.EncodeToString(sum[:])
	}

	return snap, nil
}

func compileRule(yr yamlRule, path string) (Rule, bool) {
	action := Action(yr.Action)
	if action != ActionDeny && action != ActionLog {
		slog.Warn("skipping rule with invalid action", "path", path, "id", yr.ID, "action", yr.Action)
		return Rule{}, false
	}

	op := ParseOperator(yr.Operator)
	pattern := ""
	if yr.Pattern != nil {
		pattern = *yr.Pattern
	}
	if pattern == "" && op != OpLibinjectionSQLi && op != OpLibinjectionXSS {
		slog.Warn("skipping rule missing required pattern", "path", path, "id", yr.ID)
		return Rule{}, false
	}

	var specs []VariableSpec
	for _, yv := range yr.Variables {
		vt, ok := ParseVariableType(yv.Type)
		if !ok {
			slog.Warn("skipping unknown variable type", "path", path, "id", yr.ID, "type", yv.Type)
			continue
		}
		specs = append(specs, VariableSpec{Type: vt, HeaderNames: yv.Names})
	}
	if len(specs) == 0 {
		slog.Warn("skipping rule with no usable variables", "path", path, "id", yr.ID)
		return Rule{}, false
	}

	var transforms []transform.Kind
	for _, t := range yr.Transforms {
		transforms = append(transforms, transform.Parse(t))
	}

	score := yr.Score
	if score == 0 && yr.DefaultScore != 0 {
		score = yr.DefaultScore
	}

	rule := Rule{
		ID:            yr.ID,
		Msg:           yr.Msg,
		Action:        action,
		Operator:      op,
		Pattern:       pattern,
		Transforms:    transforms,
		VariableSpecs: specs,
		Score:         score,
	}

	if op == OpRegex {
		re, compErr := regexp.Compile("(?i)" + pattern)
		if compErr != nil {
			slog.Warn("rule regex failed to compile, rule retained with no match capability", "path", path, "id", yr.ID, "error", compErr)
		} else {
			rule.CompiledRegex = re
		}
	}

	return rule, true
}
