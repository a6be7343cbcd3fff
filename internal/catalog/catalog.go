// Package catalog holds the static detection rule tables: named categories of
// regular expressions, each with a severity score, a policy action and the
// request fields it applies to.
//
// Everything here is immutable once built. Evaluate is a pure function over
// the tables.
package catalog

import (
	"regexp"
	"unicode/utf8"

	"github.com/1sec-project/reqguard/internal/core"
)

// MaxExcerpt bounds the matched text kept per detection.
const MaxExcerpt = 200

// Action is the policy outcome a category recommends.
type Action int

// Actions are ordered: a higher value takes precedence.
const (
	ActionAllow Action = iota
	ActionMonitor
	ActionThrottle
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionMonitor:
		return "monitor"
	case ActionThrottle:
		return "throttle"
	case ActionBlock:
		return "block"
	default:
		return "allow"
	}
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Category names a group of rules.
type Category string

const (
	SQLInjection     Category = "sql_injection"
	XSS              Category = "xss"
	PathTraversal    Category = "path_traversal"
	CommandInjection Category = "command_injection"
	BotSignature     Category = "bot_signature"
	SuspiciousHeader Category = "suspicious_header"
	Volume           Category = "volume"
)

// Field names an analyzable surface of a request.
type Field string

const (
	FieldURL       Field = "url"
	FieldUserAgent Field = "userAgent"
	FieldReferer   Field = "referer"
	FieldBody      Field = "body"
	FieldQuery     Field = "query"
	FieldHeaders   Field = "headers"
)

// Fields lists every analyzable field in evaluation order.
var Fields = []Field{FieldURL, FieldUserAgent, FieldReferer, FieldBody, FieldQuery, FieldHeaders}

// Rule is a single compiled detection pattern.
type Rule struct {
	Name     string
	Category Category
	Regex    *regexp.Regexp
	// Generic rules catch shapes that also show up in legitimate developer
	// traffic; the relaxed profile leaves them out.
	Generic bool
}

// Spec describes one category.
type Spec struct {
	Name    Category
	Score   int
	Action  Action
	Targets []Field
	Rules   []Rule
}

// AppliesTo reports whether the category is evaluated against f.
func (s *Spec) AppliesTo(f Field) bool {
	for _, t := range s.Targets {
		if t == f {
			return true
		}
	}
	return false
}

// RuleResult is the outcome of one rule against one text.
type RuleResult struct {
	Rule    *Rule
	Matched bool
	Excerpt string
}

// Options tune a catalog build. Zero values take the profile defaults.
type Options struct {
	CommandInjectionScore int
}

// Catalog is an immutable set of categories for one sensitivity profile.
type Catalog struct {
	profile    core.SensitivityProfile
	categories []*Spec
	byName     map[Category]*Spec
}

// Build assembles the catalog for profile.
func Build(profile core.SensitivityProfile, opts Options) *Catalog {
	if !profile.Valid() {
		profile = core.ProfileStrict
	}
	relaxed := profile == core.ProfileRelaxed

	cmdScore := opts.CommandInjectionScore
	if cmdScore == 0 {
		cmdScore = 100
		if relaxed {
			cmdScore = 150
		}
	}

	c := &Catalog{profile: profile, byName: make(map[Category]*Spec)}
	for _, def := range tables {
		spec := &Spec{
			Name:    def.name,
			Score:   def.score,
			Action:  def.action,
			Targets: def.targets,
		}
		if def.name == CommandInjection {
			spec.Score = cmdScore
		}
		for _, r := range def.rules {
			if relaxed && r.Generic {
				continue
			}
			spec.Rules = append(spec.Rules, r)
		}
		c.categories = append(c.categories, spec)
		c.byName[spec.Name] = spec
	}
	return c
}

// Profile returns the profile the catalog was built for.
func (c *Catalog) Profile() core.SensitivityProfile { return c.profile }

// Categories returns every category in declaration order.
func (c *Catalog) Categories() []*Spec { return c.categories }

// Category looks a category up by name.
func (c *Catalog) Category(name Category) (*Spec, bool) {
	s, ok := c.byName[name]
	return s, ok
}

// Evaluate runs every rule of the named category against text. Unknown
// categories yield nil.
func (c *Catalog) Evaluate(name Category, text string) []RuleResult {
	spec, ok := c.byName[name]
	if !ok {
		return nil
	}
	results := make([]RuleResult, len(spec.Rules))
	for i := range spec.Rules {
		rule := &spec.Rules[i]
		results[i].Rule = rule
		if text == "" {
			continue
		}
		if loc := rule.Regex.FindStringIndex(text); loc != nil {
			results[i].Matched = true
			results[i].Excerpt = Truncate(text[loc[0]:loc[1]], MaxExcerpt)
		}
	}
	return results
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
