// Package sqlgate turns natural-language questions into read-only SQL,
// gates the generated statement and executes it against the ERP database.
package sqlgate

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	ErrEmpty        = errors.New("empty query")
	ErrUnterminated = errors.New("unterminated string, identifier or comment")
	ErrAmbiguous    = errors.New("ambiguous quoting")
)

var disallowed = map[string]bool{
	"INSERT":    true,
	"UPDATE":    true,
	"DELETE":    true,
	"DROP":      true,
	"CREATE":    true,
	"ALTER":     true,
	"TRUNCATE":  true,
	"GRANT":     true,
	"REVOKE":    true,
	"COMMIT":    true,
	"ROLLBACK":  true,
	"SAVEPOINT": true,
	"EXECUTE":   true,
	"CALL":      true,
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokPunct
	tokSemicolon
)

type token struct {
	kind tokenKind
	text string
}

// IsReadOnly reports whether sql consists only of SELECT or WITH statements.
func IsReadOnly(sql string) bool {
	return Validate(sql) == nil
}

// Validate returns nil when every statement in sql is a SELECT or WITH
// statement and no write or transaction keyword appears outside comments,
// strings and quoted identifiers.
func Validate(sql string) error {
	if strings.TrimSpace(sql) == "" {
		return ErrEmpty
	}
	toks, err := tokenize(sql)
	if err != nil {
		return err
	}
	stmts := splitStatements(toks)
	if len(stmts) == 0 {
		return ErrEmpty
	}
	for _, stmt := range stmts {
		if typ := statementType(stmt); typ != "SELECT" && typ != "WITH" {
			return fmt.Errorf("statement type %s is not allowed", typ)
		}
		for _, t := range stmt {
			if t.kind != tokWord {
				continue
			}
			if kw := strings.ToUpper(t.text); disallowed[kw] {
				return fmt.Errorf("disallowed keyword %s", kw)
			}
		}
	}
	return nil
}

func splitStatements(toks []token) [][]token {
	var stmts [][]token
	var cur []token
	for _, t := range toks {
		if t.kind == tokSemicolon {
			if len(cur) > 0 {
				stmts = append(stmts, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, t)
	}
	if len(cur) > 0 {
		stmts = append(stmts, cur)
	}
	return stmts
}

func statementType(stmt []token) string {
	for _, t := range stmt {
		if t.kind == tokPunct && t.text == "(" {
			continue
		}
		if t.kind == tokWord {
			return strings.ToUpper(t.text)
		}
		break
	}
	return "UNKNOWN"
}

func tokenize(sql string) ([]token, error) {
	var toks []token
	rs := []rune(sql)
	n := len(rs)
	for i := 0; i < n; {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < n && rs[i+1] == '-':
			for i < n && rs[i] != '\n' {
				i++
			}
		case r == '/' && i+1 < n && rs[i+1] == '*':
			end := indexFrom(rs, i+2, "*/")
			if end < 0 {
				return nil, ErrUnterminated
			}
			i = end + 2
		case (r == 'E' || r == 'e') && i+1 < n && rs[i+1] == '\'':
			j, ok := scanEscaped(rs, i+1)
			if !ok {
				return nil, ErrUnterminated
			}
			toks = append(toks, token{tokString, string(rs[i:j])})
			i = j
		case r == '\'':
			j, ok := scanQuoted(rs, i, '\'')
			if !ok {
				return nil, ErrUnterminated
			}
			// With standard_conforming_strings off (and in MySQL) a backslash
			// escapes the quote. Both readings must end at the same place.
			if k, ok := scanEscaped(rs, i); !ok || k != j {
				return nil, ErrAmbiguous
			}
			toks = append(toks, token{tokString, string(rs[i:j])})
			i = j
		case r == '$' && i+1 < n && unicode.IsDigit(rs[i+1]):
			j := i + 1
			for j < n && unicode.IsDigit(rs[j]) {
				j++
			}
			toks = append(toks, token{tokPunct, string(rs[i:j])})
			i = j
		case r == '$':
			tagLen, ok := dollarTag(rs, i)
			if !ok {
				return nil, ErrAmbiguous
			}
			end := indexFrom(rs, i+tagLen, string(rs[i:i+tagLen]))
			if end < 0 {
				return nil, ErrUnterminated
			}
			toks = append(toks, token{tokString, string(rs[i : end+tagLen])})
			i = end + tagLen
		case r == '"' || r == '`':
			j, ok := scanQuoted(rs, i, r)
			if !ok {
				return nil, ErrUnterminated
			}
			toks = append(toks, token{tokIdent, string(rs[i:j])})
			i = j
		case r == '[':
			j := i + 1
			for j < n && rs[j] != ']' {
				j++
			}
			if j >= n {
				return nil, ErrUnterminated
			}
			toks = append(toks, token{tokIdent, string(rs[i : j+1])})
			i = j + 1
		case unicode.IsDigit(r):
			j := i
			for j < n && (unicode.IsDigit(rs[j]) || rs[j] == '.' || rs[j] == 'e' || rs[j] == 'E') {
				j++
			}
			toks = append(toks, token{tokNumber, string(rs[i:j])})
			i = j
		case isWordStart(r):
			j := i
			for j < n && isWordPart(rs[j]) {
				j++
			}
			toks = append(toks, token{tokWord, string(rs[i:j])})
			i = j
		case r == ';':
			toks = append(toks, token{tokSemicolon, ";"})
			i++
		default:
			toks = append(toks, token{tokPunct, string(r)})
			i++
		}
	}
	return toks, nil
}

// scanQuoted returns the index just past the closing quote. A doubled quote
// is an escaped quote.
func scanQuoted(rs []rune, start int, q rune) (int, bool) {
	for j := start + 1; j < len(rs); j++ {
		if rs[j] != q {
			continue
		}
		if j+1 < len(rs) && rs[j+1] == q {
			j++
			continue
		}
		return j + 1, true
	}
	return 0, false
}

// scanEscaped is scanQuoted for E'...' literals, where a backslash escapes
// the next character.
func scanEscaped(rs []rune, start int) (int, bool) {
	for j := start + 1; j < len(rs); j++ {
		switch {
		case rs[j] == '\\':
			j++
		case rs[j] != '\'':
		case j+1 < len(rs) && rs[j+1] == '\'':
			j++
		default:
			return j + 1, true
		}
	}
	return 0, false
}

// dollarTag returns the rune length of the $tag$ or $$ opening a
// dollar-quoted string at start.
func dollarTag(rs []rune, start int) (int, bool) {
	j := start + 1
	if j < len(rs) && isWordStart(rs[j]) {
		for j < len(rs) && (isWordStart(rs[j]) || unicode.IsDigit(rs[j])) {
			j++
		}
	}
	if j < len(rs) && rs[j] == '$' {
		return j + 1 - start, true
	}
	return 0, false
}

func indexFrom(rs []rune, start int, sub string) int {
	if i := strings.Index(string(rs[start:]), sub); i >= 0 {
		return start + len([]rune(string(rs[start:])[:i]))
	}
	return -1
}

func isWordStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isWordPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
