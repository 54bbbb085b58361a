// Package hashfile implements the ordered hash file format used for
// configuration stacks and structured content files.
//
// The format is line based:
//
//	# comment
//	name = value
//	quoted = "  value with significant spaces  "
//	text = <<END
//	any number
//	of lines
//	END
//	section = {
//	  inner = value
//	}
//	items = [
//	  first
//	  second
//	]
//
// Mappings keep their key order through decode, mutation and encode. List
// elements may themselves be blocks or lists.
package hashfile

import (
	"fmt"
	"strings"

	"github.com/latticeweb/lattice/pkg/ordmap"
)

// SyntaxError reports a malformed line.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("hashfile: line %d: %s", e.Line, e.Msg)
}

type parser struct {
	lines []string
	pos   int
}

func (p *parser) errf(format string, args ...interface{}) error {
	return &SyntaxError{Line: p.pos, Msg: fmt.Sprintf(format, args...)}
}

// Unmarshal parses data into an ordered map.
func Unmarshal(data []byte) (*ordmap.Map, error) {
	p := &parser{lines: splitLines(string(data))}
	m := ordmap.New()
	if err := p.parseMapBody(m, false); err != nil {
		return nil, err
	}
	return m, nil
}

// splitLines splits on \n, tolerating a trailing newline and \r\n endings.
func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func (p *parser) next() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}
	line := p.lines[p.pos]
	p.pos++
	return line, true
}

// parseMapBody reads key = value entries until EOF or, when nested is true,
// a closing brace.
func (p *parser) parseMapBody(m *ordmap.Map, nested bool) error {
	for {
		raw, ok := p.next()
		if !ok {
			if nested {
				return p.errf("unterminated block")
			}
			return nil
		}
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "}" {
			if !nested {
				return p.errf("unexpected %q", "}")
			}
			return nil
		}
		key, rhs, found := strings.Cut(line, "=")
		if !found {
			return p.errf("expected key = value, got %q", line)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return p.errf("empty key")
		}
		if m.Has(key) {
			return p.errf("duplicate key %q", key)
		}
		value, err := p.parseRHS(strings.TrimSpace(rhs))
		if err != nil {
			return err
		}
		m.Set(key, value)
	}
}

// parseListBody reads elements until a closing bracket.
func (p *parser) parseListBody(l *ordmap.List) error {
	for {
		raw, ok := p.next()
		if !ok {
			return p.errf("unterminated list")
		}
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "]" {
			return nil
		}
		value, err := p.parseRHS(line)
		if err != nil {
			return err
		}
		l.Append(value)
	}
}

// parseRHS interprets the text to the right of = (or a bare list element).
func (p *parser) parseRHS(rhs string) (interface{}, error) {
	switch {
	case rhs == "{":
		m := ordmap.New()
		if err := p.parseMapBody(m, true); err != nil {
			return nil, err
		}
		return m, nil
	case rhs == "[":
		l := ordmap.NewList()
		if err := p.parseListBody(l); err != nil {
			return nil, err
		}
		return l, nil
	case strings.HasPrefix(rhs, "<<"):
		tag := strings.TrimSpace(rhs[2:])
		if tag == "" {
			return nil, p.errf("heredoc without tag")
		}
		var lines []string
		for {
			raw, ok := p.next()
			if !ok {
				return nil, p.errf("unterminated heredoc %q", tag)
			}
			if strings.TrimSpace(raw) == tag {
				return strings.Join(lines, "\n"), nil
			}
			lines = append(lines, raw)
		}
	case strings.HasPrefix(rhs, `"`):
		return unquote(rhs, p)
	default:
		return rhs, nil
	}
}

func unquote(s string, p *parser) (string, error) {
	if len(s) < 2 || !strings.HasSuffix(s, `"`) {
		return "", p.errf("unterminated quoted value %q", s)
	}
	body := s[1 : len(s)-1]
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(body) {
			return "", p.errf("dangling escape in %q", s)
		}
		switch body[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		default:
			return "", p.errf("unknown escape \\%c", body[i])
		}
	}
	return b.String(), nil
}

// Marshal renders the map back to the file format, keys in map order.
func Marshal(m *ordmap.Map) []byte {
	var b strings.Builder
	encodeMapBody(&b, m, 0)
	return []byte(b.String())
}

func indentOf(depth int) string {
	return strings.Repeat("  ", depth)
}

func encodeMapBody(b *strings.Builder, m *ordmap.Map, depth int) {
	m.Range(func(key string, value interface{}) bool {
		b.WriteString(indentOf(depth))
		b.WriteString(key)
		b.WriteString(" = ")
		encodeValue(b, value, depth)
		return true
	})
}

func encodeListBody(b *strings.Builder, l *ordmap.List, depth int) {
	l.Range(func(_ int, value interface{}) bool {
		b.WriteString(indentOf(depth))
		encodeValue(b, value, depth)
		return true
	})
}

func encodeValue(b *strings.Builder, value interface{}, depth int) {
	switch tv := value.(type) {
	case *ordmap.Map:
		b.WriteString("{\n")
		encodeMapBody(b, tv, depth+1)
		b.WriteString(indentOf(depth))
		b.WriteString("}\n")
	case *ordmap.List:
		b.WriteString("[\n")
		encodeListBody(b, tv, depth+1)
		b.WriteString(indentOf(depth))
		b.WriteString("]\n")
	default:
		encodeScalar(b, scalarText(tv))
	}
}

func scalarText(v interface{}) string {
	switch tv := v.(type) {
	case string:
		return tv
	case nil:
		return ""
	default:
		return fmt.Sprint(tv)
	}
}

func encodeScalar(b *strings.Builder, s string) {
	switch {
	case strings.Contains(s, "\n"):
		tag := heredocTag(s)
		b.WriteString("<<")
		b.WriteString(tag)
		b.WriteString("\n")
		b.WriteString(s)
		b.WriteString("\n")
		b.WriteString(tag)
		b.WriteString("\n")
	case needsQuoting(s):
		b.WriteString(`"`)
		for i := 0; i < len(s); i++ {
			switch s[i] {
			case '"':
				b.WriteString(`\"`)
			case '\\':
				b.WriteString(`\\`)
			case '\t':
				b.WriteString(`\t`)
			default:
				b.WriteByte(s[i])
			}
		}
		b.WriteString("\"\n")
	default:
		b.WriteString(s)
		b.WriteString("\n")
	}
}

func needsQuoting(s string) bool {
	if s == "" {
		return false
	}
	if s != strings.TrimSpace(s) {
		return true
	}
	if s == "{" || s == "[" || s == "}" || s == "]" {
		return true
	}
	if strings.HasPrefix(s, `"`) || strings.HasPrefix(s, "<<") || strings.HasPrefix(s, "#") {
		return true
	}
	return strings.Contains(s, "\t")
}

func heredocTag(s string) string {
	tag := "END"
	for n := 1; ; n++ {
		hit := false
		for _, line := range strings.Split(s, "\n") {
			if strings.TrimSpace(line) == tag {
				hit = true
				break
			}
		}
		if !hit {
			return tag
		}
		tag = fmt.Sprintf("END%d", n)
	}
}
