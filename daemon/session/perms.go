package session

import (
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/latticeweb/lattice/errdefs"
	"github.com/latticeweb/lattice/hub"
	"github.com/latticeweb/lattice/pkg/ordmap"
)

// Rule scopes.
const (
	scopeUser     = "u"
	scopeGroup    = "g"
	scopeCatchall = "*"
)

var modeLetters = mapset.NewThreadUnsafeSet('r', 'w', 'x', 'v', 'q')

// rule is one compiled <scope>:<name>=<modes> clause.
type rule struct {
	scope string
	name  string
	modes mapset.Set[rune]
	stop  bool
	all   bool
	none  bool
}

// pattern is one compiled entry of the permissions table: a URI regex and
// its ordered rules.
type pattern struct {
	re    *regexp.Regexp
	rules []rule
}

// Table is the compiled permission evaluator. It is built once per config
// load and is safe for concurrent use.
type Table struct {
	patterns []pattern
}

// CompilePermissions builds a Table from the config permissions mapping:
// an ordered map of URI regex to a semicolon-delimited rule list.
func CompilePermissions(perms *ordmap.Map) (*Table, error) {
	t := &Table{}
	if perms == nil {
		return t, nil
	}
	var err error
	perms.Range(func(expr string, value interface{}) bool {
		var re *regexp.Regexp
		re, err = regexp.Compile(expr)
		if err != nil {
			err = errdefs.InvalidParameter(errors.Wrapf(err, "permissions pattern %q", expr))
			return false
		}
		text, ok := hub.ScalarText(value)
		if !ok {
			err = errdefs.InvalidParameter(errors.Errorf("permissions rules for %q are not text", expr))
			return false
		}
		var rules []rule
		rules, err = parseRules(text)
		if err != nil {
			err = errors.Wrapf(err, "permissions for %q", expr)
			return false
		}
		t.patterns = append(t.patterns, pattern{re: re, rules: rules})
		return true
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func parseRules(text string) ([]rule, error) {
	var rules []rule
	for _, clause := range strings.Split(text, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		lhs, modes, found := strings.Cut(clause, "=")
		if !found {
			return nil, errdefs.InvalidParameter(errors.Errorf("rule %q has no modes", clause))
		}
		lhs = strings.TrimSpace(lhs)
		modes = strings.TrimSpace(modes)
		r := rule{}
		if lhs == scopeCatchall {
			r.scope = scopeCatchall
		} else {
			scope, name, found := strings.Cut(lhs, ":")
			if !found {
				return nil, errdefs.InvalidParameter(errors.Errorf("rule %q has no scope", clause))
			}
			r.scope = strings.TrimSpace(scope)
			r.name = strings.TrimSpace(name)
			if r.scope != scopeUser && r.scope != scopeGroup {
				return nil, errdefs.InvalidParameter(errors.Errorf("rule %q: unknown scope %q", clause, r.scope))
			}
		}
		switch modes {
		case "ALL":
			r.all, r.stop = true, true
		case "NONE":
			r.none, r.stop = true, true
		default:
			r.modes = mapset.NewThreadUnsafeSet[rune]()
			for _, c := range modes {
				lower := c | 0x20
				if !modeLetters.Contains(lower) {
					return nil, errdefs.InvalidParameter(errors.Errorf("rule %q: unknown mode %q", clause, string(c)))
				}
				if c != lower {
					r.stop = true
				}
				r.modes.Add(lower)
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// matches reports whether the rule applies to the principal. The catchall
// matches only when no earlier named rule in the same pattern matched.
func (r *rule) matches(user *User, namedMatched bool) bool {
	switch r.scope {
	case scopeUser:
		return user != nil && user.Name == r.name
	case scopeGroup:
		return user.InGroup(r.name)
	case scopeCatchall:
		return !namedMatched
	}
	return false
}

// covers reports whether every requested mode letter appears in the rule.
func (r *rule) covers(mode string) bool {
	for _, c := range strings.ToLower(mode) {
		if !r.modes.Contains(c) {
			return false
		}
	}
	return true
}

// Allowed evaluates the table for a request URI, principal and requested
// mode string. Uppercase rules and the ALL/NONE keywords terminate the
// search; a URI no pattern matches is allowed; matched patterns default
// to deny.
func (t *Table) Allowed(uri string, user *User, mode string) bool {
	anyPattern := false
	decided := false
	decision := false
	for _, p := range t.patterns {
		if !p.re.MatchString(uri) {
			continue
		}
		anyPattern = true
		namedMatched := false
		for i := range p.rules {
			r := &p.rules[i]
			if !r.matches(user, namedMatched) {
				continue
			}
			if r.scope != scopeCatchall {
				namedMatched = true
			}
			switch {
			case r.none:
				return false
			case r.all:
				return true
			default:
				ok := r.covers(mode)
				if r.stop {
					return ok
				}
				decided = true
				decision = ok
			}
		}
	}
	if !anyPattern {
		return true
	}
	if !decided {
		return false
	}
	return decision
}
