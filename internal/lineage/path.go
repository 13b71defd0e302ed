// Package lineage encodes cell ancestry as a sequence of child-selector tokens.
//
// A Path holds one token per division between a generation-1 founder and the
// cell, rendered as "c<sel_1>c<sel_2>...". Founders carry the root path "".
// Paths are plain strings so they compare with == and work as map keys.
package lineage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidPath = errors.New("invalid lineage path")

const tokenPrefix = 'c'

type Path string

func Root() Path {
	return ""
}

// Parse validates s as a lineage path.
func Parse(s string) (Path, error) {
	if s == "" {
		return Root(), nil
	}
	if _, err := splitTokens(s); err != nil {
		return "", err
	}
	return Path(s), nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Append encodes a child of p selected by child (1-based).
func (p Path) Append(child int) Path {
	if child < 1 {
		panic(fmt.Sprintf("lineage: child selector must be >= 1, got %d", child))
	}
	return p + Path(string(tokenPrefix)+strconv.Itoa(child))
}

// Parent strips the last token. The root has no parent.
func (p Path) Parent() (Path, bool) {
	if p == "" {
		return "", false
	}
	idx := strings.LastIndexByte(string(p), tokenPrefix)
	if idx < 0 {
		return "", false
	}
	return p[:idx], true
}

func (p Path) IsRoot() bool {
	return p == ""
}

func (p Path) Depth() int {
	return strings.Count(string(p), string(tokenPrefix))
}

func (p Path) Tokens() []int {
	tokens, err := splitTokens(string(p))
	if err != nil {
		return nil
	}
	return tokens
}

// Last returns the final child selector, or 0 for the root.
func (p Path) Last() int {
	tokens := p.Tokens()
	if len(tokens) == 0 {
		return 0
	}
	return tokens[len(tokens)-1]
}

// Prefix returns the ancestor path holding the first depth tokens.
func (p Path) Prefix(depth int) Path {
	if depth <= 0 {
		return Root()
	}
	seen := 0
	for i := 0; i < len(p); i++ {
		if p[i] != tokenPrefix {
			continue
		}
		if seen == depth {
			return p[:i]
		}
		seen++
	}
	return p
}

// IsDescendantOf reports whether ancestor is a token-wise prefix of p.
// Every path is a descendant of itself.
func (p Path) IsDescendantOf(ancestor Path) bool {
	if !strings.HasPrefix(string(p), string(ancestor)) {
		return false
	}
	rest := p[len(ancestor):]
	return rest == "" || rest[0] == tokenPrefix
}

// IsSiblingOf reports whether p and other share a parent but differ in their last token.
func (p Path) IsSiblingOf(other Path) bool {
	if p == other {
		return false
	}
	pp, ok := p.Parent()
	if !ok {
		return false
	}
	op, ok := other.Parent()
	return ok && pp == op
}

func (p Path) String() string {
	return string(p)
}

func splitTokens(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	if s[0] != tokenPrefix {
		return nil, fmt.Errorf("%w: %q must start with %q", ErrInvalidPath, s, tokenPrefix)
	}
	parts := strings.Split(s[1:], string(tokenPrefix))
	tokens := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || strconv.Itoa(n) != part {
			return nil, fmt.Errorf("%w: bad token %q in %q", ErrInvalidPath, part, s)
		}
		tokens = append(tokens, n)
	}
	return tokens, nil
}
