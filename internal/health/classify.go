package health

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultMaxMissingPackages caps how many packages one snapshot reports.
const DefaultMaxMissingPackages = 10

// Rule extracts a module specifier from text: when Pattern matches, the
// Group-th submatch is the specifier.
type Rule struct {
	Pattern *regexp.Regexp
	Group   int
}

// Match is one specifier found in text, at byte Offset.
type Match struct {
	Offset    int
	Specifier string
}

// Classifier recognises missing-module failures for one bundler or
// runtime dialect.
type Classifier interface {
	Dialect() string
	Matches(text string) []Match
}

// RuleClassifier is a Classifier defined entirely by its rules.
type RuleClassifier struct {
	Name  string
	Rules []Rule
}

// Dialect returns the classifier name.
func (c RuleClassifier) Dialect() string { return c.Name }

// Matches returns every rule match in text.
func (c RuleClassifier) Matches(text string) []Match {
	var out []Match
	for _, r := range c.Rules {
		for _, loc := range r.Pattern.FindAllStringSubmatchIndex(text, -1) {
			i := 2 * r.Group
			if i+1 >= len(loc) || loc[i] < 0 {
				continue
			}
			out = append(out, Match{Offset: loc[i], Specifier: text[loc[i]:loc[i+1]]})
		}
	}
	return out
}

func rule(pattern string) Rule {
	return Rule{Pattern: regexp.MustCompile(pattern), Group: 1}
}

// Built-in dialects.
var (
	Vite = RuleClassifier{Name: "vite", Rules: []Rule{
		rule(`Failed to resolve import ["']([^"']+)["']`),
		rule(`Failed to resolve entry for package ["']([^"']+)["']`),
		rule(`dependencies are imported but could not be resolved:\s+(\S+)`),
	}}
	Node = RuleClassifier{Name: "node", Rules: []Rule{
		rule(`Cannot find module ["']([^"']+)["']`),
		rule(`Cannot find package ["']([^"']+)["']`),
	}}
	Webpack = RuleClassifier{Name: "webpack", Rules: []Rule{
		rule(`Module not found: (?:Error: )?Can't resolve ["']([^"']+)["']`),
	}}
)

// DefaultClassifiers returns the built-in dialects.
func DefaultClassifiers() []Classifier {
	return []Classifier{Vite, Node, Webpack}
}

// Extractor turns log text into a deduplicated, capped list of npm
// package names, in order of first appearance.
type Extractor struct {
	classifiers []Classifier
	max         int
}

// NewExtractor creates an Extractor. max <= 0 uses DefaultMaxMissingPackages;
// no classifiers uses DefaultClassifiers.
func NewExtractor(max int, classifiers ...Classifier) *Extractor {
	if max <= 0 {
		max = DefaultMaxMissingPackages
	}
	if len(classifiers) == 0 {
		classifiers = DefaultClassifiers()
	}
	return &Extractor{classifiers: classifiers, max: max}
}

// Extract returns the packages text reports as missing.
func (e *Extractor) Extract(text string) []string {
	var matches []Match
	for _, c := range e.classifiers {
		matches = append(matches, c.Matches(text)...)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Offset < matches[j].Offset })

	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		name := NormalizePackageName(m.Specifier)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
		if len(out) == e.max {
			break
		}
	}
	return out
}

var defaultExtractor = NewExtractor(DefaultMaxMissingPackages)

// ExtractMissingPackages applies the built-in dialects with the default cap.
func ExtractMissingPackages(text string) []string {
	return defaultExtractor.Extract(text)
}

var npmPackageName = regexp.MustCompile(`^(?:@[a-z0-9][a-z0-9._~-]*/)?[a-z0-9][a-z0-9._~-]*$`)

// NormalizePackageName maps an import specifier to the npm package that
// provides it: "@scope/pkg/sub" becomes "@scope/pkg" and "pkg/sub" becomes
// "pkg". Relative, absolute, aliased, URL, and builtin specifiers return "".
func NormalizePackageName(spec string) string {
	spec = strings.TrimSpace(spec)
	spec = strings.Trim(spec, "\"'`")
	if i := strings.IndexAny(spec, "?#"); i > 0 {
		spec = spec[:i]
	}
	if spec == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(spec, "."), strings.HasPrefix(spec, "/"), strings.HasPrefix(spec, "#"),
		strings.HasPrefix(spec, "~"), strings.HasPrefix(spec, "@/"),
		strings.HasPrefix(spec, "node:"), strings.HasPrefix(spec, "virtual:"),
		strings.Contains(spec, "://"), strings.Contains(spec, "\x00"):
		return ""
	}

	var name string
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 || parts[1] == "" {
			return ""
		}
		name = parts[0] + "/" + parts[1]
	} else {
		name = parts[0]
	}

	name = strings.ToLower(name)
	if nodeBuiltins[name] || !npmPackageName.MatchString(name) {
		return ""
	}
	return name
}

var nodeBuiltins = map[string]bool{
	"assert": true, "async_hooks": true, "buffer": true, "child_process": true,
	"cluster": true, "console": true, "constants": true, "crypto": true,
	"dgram": true, "diagnostics_channel": true, "dns": true, "domain": true,
	"events": true, "fs": true, "http": true, "http2": true, "https": true,
	"inspector": true, "module": true, "net": true, "os": true, "path": true,
	"perf_hooks": true, "process": true, "punycode": true, "querystring": true,
	"readline": true, "repl": true, "stream": true, "string_decoder": true,
	"sys": true, "timers": true, "tls": true, "trace_events": true, "tty": true,
	"url": true, "util": true, "v8": true, "vm": true, "wasi": true,
	"worker_threads": true, "zlib": true,
}

// serverErrorPattern marks log lines reported as server_error issues.
var serverErrorPattern = regexp.MustCompile(`(?i:internal server error|uncaught exception|unhandled (?:promise )?rejection)|EADDRINUSE|\b(?:SyntaxError|ReferenceError|TypeError):|\bERROR\b`)

const (
	maxServerErrors    = 5
	maxErrorDetailSize = 200
)

// ServerErrors returns distinct error lines from a log tail, most recent
// last, capped at a small bound.
func ServerErrors(tail string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(tail, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !serverErrorPattern.MatchString(line) {
			continue
		}
		if len(line) > maxErrorDetailSize {
			line = line[:maxErrorDetailSize]
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	if len(out) > maxServerErrors {
		out = out[len(out)-maxServerErrors:]
	}
	return out
}

// TailLines returns the last n lines of s.
func TailLines(s string, n int) string {
	if n <= 0 || s == "" {
		return ""
	}
	s = strings.TrimRight(s, "\n")
	idx := len(s)
	for i := 0; i < n; i++ {
		j := strings.LastIndexByte(s[:idx], '\n')
		if j < 0 {
			return s
		}
		idx = j
	}
	return s[idx+1:]
}
