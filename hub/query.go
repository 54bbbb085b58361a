package hub

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// Query segments select within a container:
//
//	{:first} {:last} {:N}   positional selection
//	{?key op value}         filter by a child value, op one of = != =~ !~ < <= > >=
//	{?key}                  filter by child presence
//	{-?re}                  filter keys by regular expression
//
// Filters yield a volatile subset keyed by the original keys (indices for
// sequences); positional forms yield a single entry. A segment may list
// alternatives joined by |, tried left to right.

type queryEntry struct {
	key   string
	value interface{}
}

// splitAlternatives splits a segment on top-level | characters, leaving |
// inside braces alone.
func splitAlternatives(seg string) []string {
	depth := 0
	var out []string
	start := 0
	for i := 0; i < len(seg); i++ {
		switch seg[i] {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case '|':
			if depth == 0 {
				out = append(out, seg[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, seg[start:])
	return out
}

// evalQuery applies one query segment to the entries of a container. The
// second return is true when the result is a single selected entry.
func evalQuery(seg string, entries []queryEntry) ([]queryEntry, bool, error) {
	if len(seg) < 2 || seg[0] != '{' || seg[len(seg)-1] != '}' {
		return nil, false, errdefs.InvalidParameter(errors.Errorf("malformed query segment %q", seg))
	}
	interior := seg[1 : len(seg)-1]
	switch {
	case strings.HasPrefix(interior, ":"):
		ent, err := selectPosition(interior[1:], entries)
		if err != nil {
			return nil, false, err
		}
		return []queryEntry{ent}, true, nil
	case strings.HasPrefix(interior, "-?"):
		return filterKeys(strings.TrimPrefix(interior[2:], ":"), entries)
	case strings.HasPrefix(interior, "?"):
		return filterValues(interior[1:], entries)
	}
	return nil, false, errdefs.InvalidParameter(errors.Errorf("unsupported query segment %q", seg))
}

func selectPosition(expr string, entries []queryEntry) (queryEntry, error) {
	if len(entries) == 0 {
		return queryEntry{}, errdefs.NotFound(errors.Errorf("{:%s} on empty container", expr))
	}
	switch expr {
	case "first":
		return entries[0], nil
	case "last":
		return entries[len(entries)-1], nil
	}
	i, err := strconv.Atoi(expr)
	if err != nil {
		return queryEntry{}, errdefs.InvalidParameter(errors.Errorf("bad position {:%s}", expr))
	}
	if i < 0 || i >= len(entries) {
		return queryEntry{}, errdefs.NotFound(errors.Errorf("position %d out of range", i))
	}
	return entries[i], nil
}

func filterKeys(expr string, entries []queryEntry) ([]queryEntry, bool, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, false, errdefs.InvalidParameter(errors.Wrapf(err, "bad key pattern %q", expr))
	}
	var out []queryEntry
	for _, ent := range entries {
		if re.MatchString(ent.key) {
			out = append(out, ent)
		}
	}
	return out, false, nil
}

// queryOps in longest-match-first order.
var queryOps = []string{"<=", ">=", "!=", "=~", "!~", "==", "=", "<", ">"}

func filterValues(expr string, entries []queryEntry) ([]queryEntry, bool, error) {
	key, op, want := splitPredicate(expr)
	if key == "" {
		return nil, false, errdefs.InvalidParameter(errors.Errorf("bad predicate {?%s}", expr))
	}
	var re *regexp.Regexp
	if op == "=~" || op == "!~" {
		var err error
		re, err = regexp.Compile(want)
		if err != nil {
			return nil, false, errdefs.InvalidParameter(errors.Wrapf(err, "bad pattern %q", want))
		}
	}
	var out []queryEntry
	for _, ent := range entries {
		got, ok := lookupScalar(ent.value, key)
		if op == "" {
			if ok && got != "" {
				out = append(out, ent)
			}
			continue
		}
		if !ok {
			continue
		}
		match, err := compareScalar(got, op, want, re)
		if err != nil {
			return nil, false, err
		}
		if match {
			out = append(out, ent)
		}
	}
	return out, false, nil
}

// splitPredicate separates "key op value". A missing operator is a presence
// test.
func splitPredicate(expr string) (key, op, value string) {
	best := -1
	for _, cand := range queryOps {
		i := strings.Index(expr, cand)
		if i <= 0 {
			continue
		}
		if best == -1 || i < best || (i == best && len(cand) > len(op)) {
			best, op = i, cand
		}
	}
	if best == -1 {
		return strings.TrimSpace(expr), "", ""
	}
	key = strings.TrimSpace(expr[:best])
	value = strings.TrimSpace(expr[best+len(op):])
	value = strings.Trim(value, `"'`)
	return key, op, value
}

// lookupScalar resolves a slash-delimited key path inside a value and
// renders the result as text. The key "." addresses the value itself.
func lookupScalar(v interface{}, keypath string) (string, bool) {
	if keypath == "." {
		return ScalarText(v)
	}
	for _, part := range strings.Split(keypath, "/") {
		if part == "" {
			continue
		}
		if f, ok := v.(*File); ok {
			data, err := f.Data()
			if err != nil {
				return "", false
			}
			v = data
		}
		switch t := v.(type) {
		case *ordmap.Map:
			child, ok := t.Get(part)
			if !ok {
				return "", false
			}
			v = child
		case *ordmap.List:
			i, err := strconv.Atoi(part)
			if err != nil {
				return "", false
			}
			child, ok := t.Get(i)
			if !ok {
				return "", false
			}
			v = child
		default:
			return "", false
		}
	}
	if f, ok := v.(*File); ok {
		data, err := f.Data()
		if err != nil {
			return "", false
		}
		v = data
	}
	return ScalarText(v)
}

func compareScalar(got, op, want string, re *regexp.Regexp) (bool, error) {
	switch op {
	case "=~":
		return re.MatchString(got), nil
	case "!~":
		return !re.MatchString(got), nil
	case "=", "==":
		if a, b, ok := bothNumeric(got, want); ok {
			return a == b, nil
		}
		return got == want, nil
	case "!=":
		if a, b, ok := bothNumeric(got, want); ok {
			return a != b, nil
		}
		return got != want, nil
	case "<", "<=", ">", ">=":
		if a, b, ok := bothNumeric(got, want); ok {
			switch op {
			case "<":
				return a < b, nil
			case "<=":
				return a <= b, nil
			case ">":
				return a > b, nil
			default:
				return a >= b, nil
			}
		}
		switch op {
		case "<":
			return got < want, nil
		case "<=":
			return got <= want, nil
		case ">":
			return got > want, nil
		default:
			return got >= want, nil
		}
	}
	return false, errdefs.InvalidParameter(errors.Errorf("unsupported operator %q", op))
}

func bothNumeric(a, b string) (float64, float64, bool) {
	fa, err := strconv.ParseFloat(a, 64)
	if err != nil {
		return 0, 0, false
	}
	fb, err := strconv.ParseFloat(b, 64)
	if err != nil {
		return 0, 0, false
	}
	return fa, fb, true
}
