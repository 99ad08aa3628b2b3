package pelagows

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pelago/pelago-ws/pelago-ws/topickey"
)

// ParsedSubscription is a subscribe document reduced to the pieces the
// registry stores: the namespace field, its delivery options, and one entry
// per selected sub-field. Full validation of the document happens upstream;
// this extraction only needs the selection-set shape.
type ParsedSubscription struct {
	RootField string
	FireOnce  bool
	Fields    []SubscriptionField
}

// SubscriptionField is one independently triggered sub-field of a
// subscription, with its filter arguments resolved.
type SubscriptionField struct {
	Name string
	Args []topickey.Arg
}

// TopicKey returns the canonical topic key for one sub-field of the parsed
// subscription.
func (p *ParsedSubscription) TopicKey(field SubscriptionField) string {
	return topickey.Encode(p.RootField, field.Name, field.Args)
}

// ParseSubscription extracts the namespace field, the fireOnce option, and
// the selected sub-fields (with variable references substituted) from a
// subscribe payload. It deliberately does not implement the full query
// grammar; fragments are rejected, and anything this extractor cannot make
// sense of is a malformed query. Semantic validation belongs to the schema
// executor.
func ParseSubscription(payload SubscribePayload) (*ParsedSubscription, error) {
	sc := &docScanner{src: payload.Query, vars: payload.Variables}

	sc.skipIgnored()
	if sc.peekName() {
		keyword, _ := sc.readName()
		if keyword != "subscription" {
			return nil, fmt.Errorf("%v operations are not deliverable over this channel", keyword)
		}
		sc.skipIgnored()
		if sc.peekName() {
			// operation name
			if _, err := sc.readName(); err != nil {
				return nil, err
			}
			sc.skipIgnored()
		}
		if sc.peek() == '(' {
			if err := sc.skipParens(); err != nil {
				return nil, err
			}
			sc.skipIgnored()
		}
	}

	if err := sc.expect('{'); err != nil {
		return nil, fmt.Errorf("malformed subscription query: %w", err)
	}

	sc.skipIgnored()
	rootField, err := sc.readName()
	if err != nil {
		return nil, fmt.Errorf("malformed subscription query: %w", err)
	}

	parsed := &ParsedSubscription{RootField: rootField}

	sc.skipIgnored()
	if sc.peek() == '(' {
		rootArgs, err := sc.readArgs()
		if err != nil {
			return nil, err
		}
		for _, arg := range rootArgs {
			if arg.Name == "fireOnce" {
				parsed.FireOnce = arg.Value == "true"
			}
		}
		sc.skipIgnored()
	}

	if err := sc.expect('{'); err != nil {
		return nil, fmt.Errorf("subscription field %v has no selection set: %w", rootField, err)
	}

	for {
		sc.skipIgnored()
		if sc.peek() == '}' {
			sc.advance()
			break
		}
		if strings.HasPrefix(sc.rest(), "...") {
			return nil, fmt.Errorf("fragments are not supported in subscription selections")
		}
		name, err := sc.readName()
		if err != nil {
			return nil, fmt.Errorf("malformed selection under %v: %w", rootField, err)
		}

		field := SubscriptionField{Name: name}
		sc.skipIgnored()
		if sc.peek() == '(' {
			if field.Args, err = sc.readArgs(); err != nil {
				return nil, err
			}
			sc.skipIgnored()
		}
		if sc.peek() == '{' {
			if err := sc.skipBlock(); err != nil {
				return nil, err
			}
		}

		if name == "__typename" {
			continue
		}
		parsed.Fields = append(parsed.Fields, field)
	}

	if len(parsed.Fields) == 0 {
		return nil, fmt.Errorf("subscription %v selects no fields", rootField)
	}
	return parsed, nil
}

// docScanner is a minimal cursor over a query document. Commas count as
// whitespace, comments run to end of line.
type docScanner struct {
	src  string
	pos  int
	vars map[string]interface{}
}

func (sc *docScanner) peek() byte {
	if sc.pos >= len(sc.src) {
		return 0
	}
	return sc.src[sc.pos]
}

func (sc *docScanner) advance() byte {
	c := sc.peek()
	sc.pos++
	return c
}

func (sc *docScanner) rest() string {
	if sc.pos >= len(sc.src) {
		return ""
	}
	return sc.src[sc.pos:]
}

func (sc *docScanner) skipIgnored() {
	for sc.pos < len(sc.src) {
		switch sc.src[sc.pos] {
		case ' ', '\t', '\r', '\n', ',':
			sc.pos++
		case '#':
			for sc.pos < len(sc.src) && sc.src[sc.pos] != '\n' {
				sc.pos++
			}
		default:
			return
		}
	}
}

func (sc *docScanner) expect(c byte) error {
	sc.skipIgnored()
	if sc.peek() != c {
		return fmt.Errorf("expected %q at offset %v", string(c), sc.pos)
	}
	sc.advance()
	return nil
}

func isNameStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || ('0' <= c && c <= '9')
}

func (sc *docScanner) peekName() bool {
	return isNameStart(sc.peek())
}

func (sc *docScanner) readName() (string, error) {
	if !isNameStart(sc.peek()) {
		return "", fmt.Errorf("expected a name at offset %v", sc.pos)
	}
	start := sc.pos
	for sc.pos < len(sc.src) && isNameChar(sc.src[sc.pos]) {
		sc.pos++
	}
	return sc.src[start:sc.pos], nil
}

// readArgs parses a parenthesized argument list, substituting variable
// references with their post-substitution values.
func (sc *docScanner) readArgs() ([]topickey.Arg, error) {
	if err := sc.expect('('); err != nil {
		return nil, err
	}
	var args []topickey.Arg
	for {
		sc.skipIgnored()
		if sc.peek() == ')' {
			sc.advance()
			return args, nil
		}
		name, err := sc.readName()
		if err != nil {
			return nil, fmt.Errorf("malformed argument list: %w", err)
		}
		if err := sc.expect(':'); err != nil {
			return nil, fmt.Errorf("malformed argument %v: %w", name, err)
		}
		sc.skipIgnored()
		value, err := sc.readValue(name)
		if err != nil {
			return nil, err
		}
		args = append(args, topickey.Arg{Name: name, Value: value})
	}
}

func (sc *docScanner) readValue(argName string) (string, error) {
	switch c := sc.peek(); {
	case c == '$':
		sc.advance()
		varName, err := sc.readName()
		if err != nil {
			return "", fmt.Errorf("malformed variable reference for argument %v: %w", argName, err)
		}
		value, ok := sc.vars[varName]
		if !ok {
			return "", fmt.Errorf("argument %v references undefined variable $%v", argName, varName)
		}
		return scalarString(argName, value)

	case c == '"':
		return sc.readString()

	case c == '-' || ('0' <= c && c <= '9'):
		start := sc.pos
		sc.advance()
		for {
			c := sc.peek()
			if c == '.' || c == '+' || c == '-' || c == 'e' || c == 'E' || ('0' <= c && c <= '9') {
				sc.advance()
				continue
			}
			break
		}
		return sc.src[start:sc.pos], nil

	case isNameStart(c):
		// true, false, null, or an enum value; the literal spelling is the
		// canonical form either way
		return sc.readName()

	default:
		return "", fmt.Errorf("argument %v has an unsupported value; only scalar arguments select a topic", argName)
	}
}

func (sc *docScanner) readString() (string, error) {
	if err := sc.expect('"'); err != nil {
		return "", err
	}
	var b strings.Builder
	for sc.pos < len(sc.src) {
		c := sc.advance()
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			e := sc.advance()
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"', '\\', '/':
				b.WriteByte(e)
			default:
				b.WriteByte('\\')
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", fmt.Errorf("unterminated string literal")
}

// skipParens consumes a balanced parenthesized block, string-aware.
func (sc *docScanner) skipParens() error {
	return sc.skipBalanced('(', ')')
}

// skipBlock consumes a balanced brace block, string-aware. Used to step over
// nested selection sets whose shape the registry does not care about.
func (sc *docScanner) skipBlock() error {
	return sc.skipBalanced('{', '}')
}

func (sc *docScanner) skipBalanced(open, close byte) error {
	if err := sc.expect(open); err != nil {
		return err
	}
	depth := 1
	for sc.pos < len(sc.src) {
		switch c := sc.advance(); c {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return nil
			}
		case '"':
			sc.pos--
			if _, err := sc.readString(); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("unbalanced %q in query", string(open))
}

// scalarString canonicalizes a substituted variable value for use in a topic
// key. Only scalars are accepted: the topic grammar has no representation for
// lists or objects.
func scalarString(argName string, value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case nil:
		return "null", nil
	default:
		return "", fmt.Errorf("argument %v has a non-scalar value of type %T", argName, value)
	}
}
