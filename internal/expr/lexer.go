package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNumber
	tokenString
	tokenIdent
	tokenOperator // + - * / % ** == != < <= > >=
	tokenKeyword  // and or not in true false null
	tokenLParen
	tokenRParen
	tokenComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true,
	"true": true, "false": true, "null": true,
	"True": true, "False": true, "None": true,
}

// tokenize splits an expression into tokens. Unknown characters are reported
// as unsafe constructs so the caller sees exactly what was rejected.
func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := rune(input[i])

		switch {
		case unicode.IsSpace(c):
			i++

		case c == '(':
			tokens = append(tokens, token{tokenLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokenRParen, ")", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tokenComma, ",", i})
			i++

		case unicode.IsDigit(c) || (c == '.' && i+1 < len(input) && unicode.IsDigit(rune(input[i+1]))):
			start := i
			seenDot := false
			for i < len(input) {
				ch := input[i]
				if ch == '.' {
					if seenDot {
						break
					}
					seenDot = true
					i++
					continue
				}
				if ch < '0' || ch > '9' {
					break
				}
				i++
			}
			tokens = append(tokens, token{tokenNumber, input[start:i], start})

		case c == '"' || c == '\'':
			quote := byte(c)
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(input) {
				ch := input[i]
				if ch == '\\' && i+1 < len(input) {
					next := input[i+1]
					switch next {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					case '\\', '"', '\'':
						sb.WriteByte(next)
					default:
						sb.WriteByte(next)
					}
					i += 2
					continue
				}
				if ch == quote {
					closed = true
					i++
					break
				}
				sb.WriteByte(ch)
				i++
			}
			if !closed {
				return nil, unsafeErr(input, string(quote), fmt.Sprintf("unterminated string at position %d", start))
			}
			tokens = append(tokens, token{tokenString, sb.String(), start})

		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(input) && (unicode.IsLetter(rune(input[i])) || unicode.IsDigit(rune(input[i])) || input[i] == '_') {
				i++
			}
			word := input[start:i]
			if keywords[word] {
				tokens = append(tokens, token{tokenKeyword, word, start})
			} else {
				tokens = append(tokens, token{tokenIdent, word, start})
			}

		default:
			op, width, ok := matchOperator(input[i:])
			if !ok {
				return nil, unsafeErr(input, string(c), fmt.Sprintf("unexpected character %q at position %d", c, i))
			}
			tokens = append(tokens, token{tokenOperator, op, i})
			i += width
		}
	}

	tokens = append(tokens, token{tokenEOF, "", len(input)})
	return tokens, nil
}

// matchOperator matches the longest operator at the start of s.
func matchOperator(s string) (string, int, bool) {
	two := []string{"**", "==", "!=", "<=", ">="}
	for _, op := range two {
		if strings.HasPrefix(s, op) {
			return op, len(op), true
		}
	}
	switch s[0] {
	case '+', '-', '*', '/', '%', '<', '>':
		return string(s[0]), 1, true
	}
	return "", 0, false
}
