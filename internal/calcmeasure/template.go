// Package calcmeasure implements CalculatedMeasureResolver (spec §4.2): a
// small tokenizer for the "{member}" / "{Cube.member}" template syntax
// calculated measures use, a dependency graph built over the requested
// measure set, Kahn's-algorithm topological ordering, and DFS cycle
// detection. The tokenizer follows the teacher's lexer shape
// (datalog/edn/lexer.go: a cursor over runes, a Next/Peek pair, token
// emission) scaled down to this one bracketed-word grammar — there is no
// general expression language here, only syntactic {ref} substitution
// (spec §9: "no string-eval; substitution is syntactic only").
package calcmeasure

import (
	"fmt"
	"strings"
)

// Ref is one {word} or {Word.word} reference found in a calculated
// measure's template.
type Ref struct {
	Cube  string // empty means "the declaring cube"
	Field string
}

func (r Ref) String() string {
	if r.Cube == "" {
		return r.Field
	}
	return r.Cube + "." + r.Field
}

// lexer scans a template string for {...} references.
type lexer struct {
	src []rune
	pos int
}

// ExtractRefs tokenizes template, returning every {word}/{Word.word}
// reference in left-to-right order. Malformed braces (unterminated,
// empty) are reported as an error.
func ExtractRefs(template string) ([]Ref, error) {
	l := &lexer{src: []rune(template)}
	var refs []Ref
	for {
		ch, ok := l.next()
		if !ok {
			break
		}
		if ch != '{' {
			continue
		}
		start := l.pos
		closed := false
		for {
			c, ok := l.next()
			if !ok {
				break
			}
			if c == '}' {
				closed = true
				break
			}
		}
		if !closed {
			return nil, fmt.Errorf("calcmeasure: unterminated '{' in template %q", template)
		}
		body := string(l.src[start : l.pos-1])
		body = strings.TrimSpace(body)
		if body == "" {
			return nil, fmt.Errorf("calcmeasure: empty {} reference in template %q", template)
		}
		ref, err := parseRef(body)
		if err != nil {
			return nil, fmt.Errorf("calcmeasure: %w (template %q)", err, template)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (l *lexer) next() (rune, bool) {
	if l.pos >= len(l.src) {
		return 0, false
	}
	ch := l.src[l.pos]
	l.pos++
	return ch, true
}

func parseRef(body string) (Ref, error) {
	if i := strings.IndexByte(body, '.'); i >= 0 {
		cubeName, field := body[:i], body[i+1:]
		if cubeName == "" || field == "" || strings.ContainsRune(field, '.') {
			return Ref{}, fmt.Errorf("malformed reference %q", body)
		}
		if !isWord(cubeName) || !isWord(field) {
			return Ref{}, fmt.Errorf("malformed reference %q", body)
		}
		return Ref{Cube: cubeName, Field: field}, nil
	}
	if !isWord(body) {
		return Ref{}, fmt.Errorf("malformed reference %q", body)
	}
	return Ref{Field: body}, nil
}

func isWord(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		isAlpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		isDigit := r >= '0' && r <= '9'
		if i == 0 && !isAlpha {
			return false
		}
		if !isAlpha && !isDigit {
			return false
		}
	}
	return true
}

// Substitute rewrites a template's {ref} tokens using render, which maps
// each Ref to the SQL fragment that should appear in its place.
func Substitute(template string, render func(Ref) (string, error)) (string, error) {
	l := &lexer{src: []rune(template)}
	var out strings.Builder
	for {
		ch, ok := l.next()
		if !ok {
			break
		}
		if ch != '{' {
			out.WriteRune(ch)
			continue
		}
		start := l.pos
		closed := false
		for {
			c, ok := l.next()
			if !ok {
				break
			}
			if c == '}' {
				closed = true
				break
			}
		}
		if !closed {
			return "", fmt.Errorf("calcmeasure: unterminated '{' in template %q", template)
		}
		body := strings.TrimSpace(string(l.src[start : l.pos-1]))
		ref, err := parseRef(body)
		if err != nil {
			return "", err
		}
		rendered, err := render(ref)
		if err != nil {
			return "", err
		}
		out.WriteString(rendered)
	}
	return out.String(), nil
}
