package expr

import (
	"fmt"
	"strconv"

	"flotilla/internal/api"
)

// astNode is the closed node set of the expression language. Nothing outside
// these variants can be produced by the parser.
type astNode interface{ isNode() }

type literalNode struct {
	value interface{} // float64, string, bool or nil
}

type identNode struct {
	name string
}

type unaryNode struct {
	op      string // "+", "-", "not"
	operand astNode
}

type binaryNode struct {
	op          string // arithmetic operators and ** only
	left, right astNode
}

// comparisonNode holds a chain like 1 < x <= 10, evaluated left-to-right with
// short circuit.
type comparisonNode struct {
	operands []astNode
	ops      []string // len(ops) == len(operands)-1; includes in / not in
}

type boolOpNode struct {
	op       string // "and" or "or"
	operands []astNode
}

type callNode struct {
	fn   string
	args []astNode
}

func (literalNode) isNode()    {}
func (identNode) isNode()      {}
func (unaryNode) isNode()      {}
func (binaryNode) isNode()     {}
func (comparisonNode) isNode() {}
func (boolOpNode) isNode()     {}
func (callNode) isNode()       {}

func unsafeErr(expression, construct, message string) error {
	return &api.UnsafeExpressionError{
		Expression: expression,
		Construct:  construct,
		Message:    message,
	}
}

type parser struct {
	input  string
	tokens []token
	pos    int
}

// parse builds the AST for an expression string.
func parse(input string) (astNode, error) {
	tokens, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &parser{input: input, tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenEOF {
		return nil, unsafeErr(input, p.peek().text,
			fmt.Sprintf("unexpected token %q at position %d", p.peek().text, p.peek().pos))
	}
	return node, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptKeyword(word string) bool {
	if p.peek().kind == tokenKeyword && p.peek().text == word {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptOperator(ops ...string) (string, bool) {
	if p.peek().kind != tokenOperator {
		return "", false
	}
	for _, op := range ops {
		if p.peek().text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (astNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []astNode{left}
	for p.acceptKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return boolOpNode{op: "or", operands: operands}, nil
}

func (p *parser) parseAnd() (astNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	operands := []astNode{left}
	for p.acceptKeyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return boolOpNode{op: "and", operands: operands}, nil
}

func (p *parser) parseNot() (astNode, error) {
	if p.acceptKeyword("not") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "not", operand: operand}, nil
	}
	return p.parseComparison()
}

// parseComparison handles chained comparisons and membership tests.
func (p *parser) parseComparison() (astNode, error) {
	left, err := p.parseArith()
	if err != nil {
		return nil, err
	}
	operands := []astNode{left}
	var ops []string

	for {
		if op, ok := p.acceptOperator("==", "!=", "<", "<=", ">", ">="); ok {
			right, err := p.parseArith()
			if err != nil {
				return nil, err
			}
			operands = append(operands, right)
			ops = append(ops, op)
			continue
		}
		if p.acceptKeyword("in") {
			right, err := p.parseArith()
			if err != nil {
				return nil, err
			}
			operands = append(operands, right)
			ops = append(ops, "in")
			continue
		}
		// "not in" shows up here as the keyword not followed by in.
		if p.peek().kind == tokenKeyword && p.peek().text == "not" &&
			p.pos+1 < len(p.tokens) && p.tokens[p.pos+1].kind == tokenKeyword && p.tokens[p.pos+1].text == "in" {
			p.pos += 2
			right, err := p.parseArith()
			if err != nil {
				return nil, err
			}
			operands = append(operands, right)
			ops = append(ops, "not in")
			continue
		}
		break
	}

	if len(ops) == 0 {
		return left, nil
	}
	return comparisonNode{operands: operands, ops: ops}, nil
}

func (p *parser) parseArith() (astNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOperator("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseTerm() (astNode, error) {
	left, err := p.parsePower()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOperator("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

// parsePower handles ** with right associativity.
func (p *parser) parsePower() (astNode, error) {
	base, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if _, ok := p.acceptOperator("**"); ok {
		exponent, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: "**", left: base, right: exponent}, nil
	}
	return base, nil
}

func (p *parser) parseUnary() (astNode, error) {
	if op, ok := p.acceptOperator("+", "-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (astNode, error) {
	t := p.peek()

	switch t.kind {
	case tokenNumber:
		p.next()
		value, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, unsafeErr(p.input, t.text, fmt.Sprintf("invalid number %q", t.text))
		}
		return literalNode{value: value}, nil

	case tokenString:
		p.next()
		return literalNode{value: t.text}, nil

	case tokenKeyword:
		switch t.text {
		case "true", "True":
			p.next()
			return literalNode{value: true}, nil
		case "false", "False":
			p.next()
			return literalNode{value: false}, nil
		case "null", "None":
			p.next()
			return literalNode{value: nil}, nil
		}
		return nil, unsafeErr(p.input, t.text, fmt.Sprintf("unexpected keyword %q at position %d", t.text, t.pos))

	case tokenIdent:
		p.next()
		if p.peek().kind == tokenLParen {
			return p.parseCall(t.text)
		}
		return identNode{name: t.text}, nil

	case tokenLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokenRParen {
			return nil, unsafeErr(p.input, "(", "missing closing parenthesis")
		}
		p.next()
		return inner, nil

	default:
		return nil, unsafeErr(p.input, t.text, fmt.Sprintf("unexpected token %q at position %d", t.text, t.pos))
	}
}

func (p *parser) parseCall(fn string) (astNode, error) {
	if _, ok := allowedFunctions[fn]; !ok {
		return nil, unsafeErr(p.input, fn+"()", fmt.Sprintf("function %q is not allowed", fn))
	}
	p.next() // consume (

	var args []astNode
	if p.peek().kind != tokenRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind == tokenComma {
				p.next()
				continue
			}
			break
		}
	}
	if p.peek().kind != tokenRParen {
		return nil, unsafeErr(p.input, fn+"()", "missing closing parenthesis in call")
	}
	p.next()
	return callNode{fn: fn, args: args}, nil
}
