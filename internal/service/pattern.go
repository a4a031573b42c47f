package service

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"proxyguard/internal/models"
)

type matchKind int

const (
	matchExact matchKind = iota
	matchCatchAll
	matchSingleSegment
)

var (
	catchAllSuffix = regexp.MustCompile(`/\{\*\*[^/{}]*\}$`)
	placeholder    = regexp.MustCompile(`\{[^/{}]+\}`)
)

// compiledPattern is a RoutePattern turned into a matcher. Literal patterns
// are matched with case-insensitive string comparisons; patterns with
// {name} captures get a case-insensitive regexp.
type compiledPattern struct {
	route     models.RoutePattern
	kind      matchKind
	literal   string
	re        *regexp.Regexp
	prefixLen int
}

func compilePattern(route models.RoutePattern) (compiledPattern, error) {
	raw := strings.TrimSpace(route.PathPattern)
	if raw == "" {
		return compiledPattern{}, fmt.Errorf("empty pattern for group %q", route.GroupName)
	}

	cp := compiledPattern{route: route, prefixLen: literalPrefixLen(raw)}

	base := raw
	switch {
	case catchAllSuffix.MatchString(raw):
		cp.kind = matchCatchAll
		base = raw[:catchAllSuffix.FindStringIndex(raw)[0]]
	case strings.HasSuffix(raw, "/*"):
		cp.kind = matchSingleSegment
		base = strings.TrimSuffix(raw, "/*")
	default:
		cp.kind = matchExact
	}

	if !placeholder.MatchString(base) {
		cp.literal = base
		return cp, nil
	}

	expr := "(?i)^" + templateToRegex(base)
	switch cp.kind {
	case matchCatchAll:
		expr += "(?:/.*)?$"
	case matchSingleSegment:
		expr += "/[^/]+$"
	default:
		expr += "$"
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return compiledPattern{}, fmt.Errorf("compile %q: %w", raw, err)
	}
	cp.re = re
	return cp, nil
}

// templateToRegex quotes the literal parts of a template and turns every
// {name} into a single-segment capture group.
func templateToRegex(tmpl string) string {
	var b strings.Builder
	last := 0
	for _, loc := range placeholder.FindAllStringIndex(tmpl, -1) {
		b.WriteString(regexp.QuoteMeta(tmpl[last:loc[0]]))
		b.WriteString("([^/]+)")
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(tmpl[last:]))
	return b.String()
}

func literalPrefixLen(p string) int {
	if i := strings.IndexAny(p, "{*"); i >= 0 {
		return i
	}
	return len(p)
}

func (cp compiledPattern) matches(path string) bool {
	if cp.re != nil {
		return cp.re.MatchString(path)
	}
	switch cp.kind {
	case matchCatchAll:
		return strings.EqualFold(path, cp.literal) || hasPrefixFold(path, cp.literal+"/")
	case matchSingleSegment:
		if !hasPrefixFold(path, cp.literal+"/") {
			return false
		}
		rest := path[len(cp.literal)+1:]
		return rest != "" && !strings.Contains(rest, "/")
	default:
		return strings.EqualFold(path, cp.literal)
	}
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// compilePatterns compiles routes and orders them by match priority:
// matchOrder ascending, then the longer literal prefix first.
func compilePatterns(routes []models.RoutePattern) ([]compiledPattern, []error) {
	compiled := make([]compiledPattern, 0, len(routes))
	var errs []error
	for _, r := range routes {
		cp, err := compilePattern(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		compiled = append(compiled, cp)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].route.MatchOrder != compiled[j].route.MatchOrder {
			return compiled[i].route.MatchOrder < compiled[j].route.MatchOrder
		}
		return compiled[i].prefixLen > compiled[j].prefixLen
	})
	return compiled, errs
}
