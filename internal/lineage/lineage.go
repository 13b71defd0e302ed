package lineage

import (
	"fmt"
	"strconv"
	"strings"
)

// Lineage identifies a cell uniquely within a run: the generation-1 founder it
// descends from plus its path below that founder. Its generation is
// Path.Depth()+1.
type Lineage struct {
	Founder int  `json:"founder"`
	Path    Path `json:"path"`
}

func (l Lineage) Generation() int {
	return l.Path.Depth() + 1
}

func (l Lineage) Child(selector int) Lineage {
	return Lineage{Founder: l.Founder, Path: l.Path.Append(selector)}
}

func (l Lineage) IsDescendantOf(ancestor Lineage) bool {
	return l.Founder == ancestor.Founder && l.Path.IsDescendantOf(ancestor.Path)
}

// String renders "f<founder>" followed by the path, e.g. "f3c1c2".
func (l Lineage) String() string {
	return "f" + strconv.Itoa(l.Founder) + string(l.Path)
}

func ParseLineage(s string) (Lineage, error) {
	if !strings.HasPrefix(s, "f") {
		return Lineage{}, fmt.Errorf("%w: lineage %q must start with \"f\"", ErrInvalidPath, s)
	}
	rest := s[1:]
	end := strings.IndexByte(rest, tokenPrefix)
	if end < 0 {
		end = len(rest)
	}
	founder, err := strconv.Atoi(rest[:end])
	if err != nil || founder < 1 {
		return Lineage{}, fmt.Errorf("%w: bad founder in %q", ErrInvalidPath, s)
	}
	path, err := Parse(rest[end:])
	if err != nil {
		return Lineage{}, err
	}
	return Lineage{Founder: founder, Path: path}, nil
}
