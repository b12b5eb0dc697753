// Package capability implements the structural pattern matcher that decides
// whether a participant's capability set authorizes an envelope. Patterns are
// JSON templates: scalars compare by equality, strings may carry globs,
// regexes, or negation, arrays are one-of, objects recurse, "**" keys search
// the subtree, and "$"-prefixed keys are JSON paths over the whole envelope.
package capability

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Pattern is a compiled capability template. Compilation happens once; the
// regexes inside are reused for every match.
type Pattern struct {
	raw      string
	root     *node
	negative bool // top-level kind is "!..." — this pattern denies
}

type nodeType int

const (
	nodeString nodeType = iota
	nodeNumber
	nodeBool
	nodeNull
	nodeArray
	nodeObject
)

type node struct {
	typ    nodeType
	str    *stringMatcher
	num    float64
	b      bool
	items  []*node
	fields []fieldMatcher
}

type fieldMatcher struct {
	key  string
	path bool // "$"-prefixed JSON path evaluated against the whole envelope
	deep bool // "**" key, value may appear anywhere in the subtree
	val  *node
}

type stringMatcher struct {
	negate  bool
	literal string
	re      *regexp.Regexp
}

// Compile parses a capability pattern from its JSON form. A bare string
// "chat" is shorthand for {"kind":"chat"}.
func Compile(raw json.RawMessage) (*Pattern, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid capability pattern %s: %w", string(raw), err)
	}
	if s, ok := v.(string); ok {
		v = map[string]any{"kind": s}
	}
	root, err := compileNode(v)
	if err != nil {
		return nil, fmt.Errorf("invalid capability pattern %s: %w", string(raw), err)
	}

	p := &Pattern{raw: strings.TrimSpace(string(raw)), root: root}

	// A negated kind makes the whole pattern a denial: it fires when the
	// envelope kind falls inside the banned set, so strip the inner negation.
	if root.typ == nodeObject {
		for _, f := range root.fields {
			if f.key == "kind" && f.val.typ == nodeString && f.val.str.negate {
				f.val.str.negate = false
				p.negative = true
			}
		}
	}
	return p, nil
}

// Negative reports whether the pattern denies rather than allows.
func (p *Pattern) Negative() bool { return p.negative }

// String returns the original JSON form, used in decision logs and
// your_capabilities summaries.
func (p *Pattern) String() string { return p.raw }

// Match reports whether the envelope document satisfies the pattern. For
// negative patterns a true result means the envelope is inside the banned
// set. The matcher never mutates the document.
func (p *Pattern) Match(doc *Doc) bool {
	return p.root.match(doc.val, doc)
}

func compileNode(v any) (*node, error) {
	switch t := v.(type) {
	case string:
		m, err := compileString(t)
		if err != nil {
			return nil, err
		}
		return &node{typ: nodeString, str: m}, nil
	case float64:
		return &node{typ: nodeNumber, num: t}, nil
	case bool:
		return &node{typ: nodeBool, b: t}, nil
	case nil:
		return &node{typ: nodeNull}, nil
	case []any:
		n := &node{typ: nodeArray}
		for _, item := range t {
			sub, err := compileNode(item)
			if err != nil {
				return nil, err
			}
			n.items = append(n.items, sub)
		}
		return n, nil
	case map[string]any:
		n := &node{typ: nodeObject}
		for key, val := range t {
			sub, err := compileNode(val)
			if err != nil {
				return nil, err
			}
			n.fields = append(n.fields, fieldMatcher{
				key:  key,
				path: strings.HasPrefix(key, "$"),
				deep: key == "**",
				val:  sub,
			})
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported pattern value %T", v)
	}
}

func compileString(s string) (*stringMatcher, error) {
	m := &stringMatcher{}
	if strings.HasPrefix(s, "!") {
		m.negate = true
		s = s[1:]
	}
	switch {
	case len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/"):
		re, err := regexp.Compile(s[1 : len(s)-1])
		if err != nil {
			return nil, fmt.Errorf("bad regex pattern %q: %w", s, err)
		}
		m.re = re
	case strings.ContainsAny(s, "*?"):
		m.re = regexp.MustCompile("^" + globToRegexp(s) + "$")
	default:
		m.literal = s
	}
	return m, nil
}

// globToRegexp translates glob syntax to an unanchored regexp body:
// "**" crosses slash boundaries, "*" stays within a segment, "?" is any
// single non-slash character.
func globToRegexp(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		switch c := glob[i]; c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

func (m *stringMatcher) match(v any) bool {
	s, ok := v.(string)
	hit := false
	if ok {
		if m.re != nil {
			hit = m.re.MatchString(s)
		} else {
			hit = s == m.literal
		}
	}
	if m.negate {
		return !hit
	}
	return hit
}

func (n *node) match(v any, doc *Doc) bool {
	switch n.typ {
	case nodeString:
		return n.str.match(v)
	case nodeNumber:
		f, ok := v.(float64)
		return ok && f == n.num
	case nodeBool:
		b, ok := v.(bool)
		return ok && b == n.b
	case nodeNull:
		return v == nil
	case nodeArray:
		for _, item := range n.items {
			if item.match(v, doc) {
				return true
			}
		}
		return false
	case nodeObject:
		for _, f := range n.fields {
			switch {
			case f.deep:
				if !deepMatch(f.val, v, doc) {
					return false
				}
			case f.path:
				res := gjson.GetBytes(doc.raw, strings.TrimPrefix(strings.TrimPrefix(f.key, "$"), "."))
				if !f.val.match(res.Value(), doc) {
					return false
				}
			default:
				obj, ok := v.(map[string]any)
				if !ok {
					return false
				}
				// Absent keys match as nil so negated string patterns
				// still hold against missing fields.
				if !f.val.match(obj[f.key], doc) {
					return false
				}
			}
		}
		return true
	}
	return false
}

// deepMatch reports whether sub matches v or any value nested inside it.
func deepMatch(sub *node, v any, doc *Doc) bool {
	if sub.match(v, doc) {
		return true
	}
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if deepMatch(sub, child, doc) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if deepMatch(sub, child, doc) {
				return true
			}
		}
	}
	return false
}
