// Package rules matches filesystem paths against ordered include/exclude
// pattern lists. Matchers are either extended globs (via doublestar, which
// is the only pattern library in the retrieval pack that supports `**` and
// brace alternation) or PCRE-style regular expressions (via go.elara.ws/pcre,
// the same engine the teacher's matcher package uses for -P mode).
package rules

import (
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"
	"go.elara.ws/pcre"
)

// Result is the outcome of evaluating a path against a Rules set.
type Result int

const (
	// Ok indicates the path passed: it matched an inclusion (or inclusions
	// are empty) and no exclusion.
	Ok Result = iota
	// NotIncluded indicates the path matched no inclusion pattern.
	NotIncluded
	// Excluded indicates the path matched an exclusion pattern.
	Excluded
)

// ParseError is returned by add_inclusion/add_exclusion when a pattern
// cannot be compiled.
type ParseError struct {
	Pattern string
	Kind    string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("RuleParse: invalid %s pattern %q: %v", e.Kind, e.Pattern, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// matcher is satisfied by both glob and regex matchers.
type matcher interface {
	Match(path string) bool
	Pattern() string
}

type globMatcher struct{ pattern string }

func newGlobMatcher(pattern string) (*globMatcher, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("malformed glob")
	}
	return &globMatcher{pattern: pattern}, nil
}

func (g *globMatcher) Match(path string) bool {
	ok, err := doublestar.Match(g.pattern, path)
	return err == nil && ok
}

func (g *globMatcher) Pattern() string { return g.pattern }

type regexMatcher struct {
	pattern string
	re      *pcre.Regexp
}

func newRegexMatcher(pattern string) (*regexMatcher, error) {
	re, err := pcre.CompileOpts(pattern, 0)
	if err != nil {
		return nil, err
	}
	return &regexMatcher{pattern: pattern, re: re}, nil
}

func (r *regexMatcher) Match(path string) bool {
	return r.re.Match([]byte(path))
}

func (r *regexMatcher) Pattern() string { return r.pattern }

// ignoreMatcher adapts a gitignore-style pattern file to an exclusion
// matcher, for an optional .logdnaignore file (the agent loads
// /etc/logdna/.logdnaignore)
// applying the same dotfile/vendor-directory conventions operators
// already know from source control.
type ignoreMatcher struct {
	path   string
	parser *ignore.GitIgnore
}

func (g *ignoreMatcher) Match(path string) bool { return g.parser.MatchesPath(path) }
func (g *ignoreMatcher) Pattern() string        { return g.path }

// Rules holds two ordered matcher sequences, include and exclude. A path
// passes iff it matches at least one include (or include is empty) and no
// exclude, per spec §3.
type Rules struct {
	include []matcher
	exclude []matcher
}

// New creates an empty Rules set (matches everything until exclusions are
// added).
func New() *Rules {
	return &Rules{}
}

// AddInclusionGlob registers an extended-glob inclusion matcher.
func (r *Rules) AddInclusionGlob(pattern string) error {
	m, err := newGlobMatcher(pattern)
	if err != nil {
		return &ParseError{Pattern: pattern, Kind: "glob", Err: err}
	}
	r.include = append(r.include, m)
	return nil
}

// AddExclusionGlob registers an extended-glob exclusion matcher.
func (r *Rules) AddExclusionGlob(pattern string) error {
	m, err := newGlobMatcher(pattern)
	if err != nil {
		return &ParseError{Pattern: pattern, Kind: "glob", Err: err}
	}
	r.exclude = append(r.exclude, m)
	return nil
}

// AddInclusionRegex registers a PCRE-style inclusion matcher.
func (r *Rules) AddInclusionRegex(pattern string) error {
	m, err := newRegexMatcher(pattern)
	if err != nil {
		return &ParseError{Pattern: pattern, Kind: "regex", Err: err}
	}
	r.include = append(r.include, m)
	return nil
}

// AddExclusionRegex registers a PCRE-style exclusion matcher.
func (r *Rules) AddExclusionRegex(pattern string) error {
	m, err := newRegexMatcher(pattern)
	if err != nil {
		return &ParseError{Pattern: pattern, Kind: "regex", Err: err}
	}
	r.exclude = append(r.exclude, m)
	return nil
}

// AddIgnoreFile registers every pattern in a gitignore-style file at path
// as exclusion matchers. A missing file is not an error: ignore files are
// optional, so absence is treated as "no additional exclusions".
func (r *Rules) AddIgnoreFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	parser, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		return &ParseError{Pattern: path, Kind: "ignorefile", Err: err}
	}
	r.exclude = append(r.exclude, &ignoreMatcher{path: path, parser: parser})
	return nil
}

// Passes evaluates path against the include/exclude sequences. It is a pure
// function: it never mutates Rules state.
func (r *Rules) Passes(path string) Result {
	for _, m := range r.exclude {
		if m.Match(path) {
			return Excluded
		}
	}
	if len(r.include) == 0 {
		return Ok
	}
	for _, m := range r.include {
		if m.Match(path) {
			return Ok
		}
	}
	return NotIncluded
}
