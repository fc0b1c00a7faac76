// Package sexp reads and writes the canonical s-expression encoding
// libgcrypt uses for key material: nested parenthesised lists of
// length-prefixed byte atoms, such as
//
//	(11:private-key(3:rsa(1:n129:...)(1:e3:...)))
//
// Parsing stops at the end of the outermost list; trailing padding bytes,
// which gpg-agent adds before wrapping a key, are ignored.
package sexp

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrSyntax is returned for input that is not a canonical
	// s-expression.
	ErrSyntax = errors.New("sexp: malformed expression")

	// ErrNotFound is returned by Extract when the requested tag or
	// algorithm token is absent. It is distinct from structural errors so
	// callers can fall through to another schema.
	ErrNotFound = errors.New("sexp: no matching schema")

	// ErrMissingParam is returned when the schema matched but a requested
	// named parameter is not present.
	ErrMissingParam = errors.New("sexp: missing parameter")
)

// Node is one element of an expression tree: either an atom (raw bytes) or
// a list of child nodes.
type Node struct {
	atom  []byte
	items []*Node
	list  bool
}

// Atom builds an atom node over b.
func Atom(b []byte) *Node { return &Node{atom: b} }

// List builds a list node from items.
func List(items ...*Node) *Node { return &Node{items: items, list: true} }

// IsList reports whether n is a list.
func (n *Node) IsList() bool { return n.list }

// Bytes returns the atom payload, or nil for a list.
func (n *Node) Bytes() []byte { return n.atom }

// Items returns the children of a list, or nil for an atom.
func (n *Node) Items() []*Node { return n.items }

// Parse reads one canonical expression from the front of data. The
// top-level expression must be a list.
func Parse(data []byte) (*Node, error) {
	if len(data) == 0 || data[0] != '(' {
		return nil, fmt.Errorf("%w: expected list", ErrSyntax)
	}
	node, _, err := parseNode(data)
	return node, err
}

func parseNode(data []byte) (*Node, int, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("%w: truncated", ErrSyntax)
	}
	if data[0] == '(' {
		items := []*Node{}
		pos := 1
		for {
			if pos >= len(data) {
				return nil, 0, fmt.Errorf("%w: unterminated list", ErrSyntax)
			}
			if data[pos] == ')' {
				return &Node{items: items, list: true}, pos + 1, nil
			}
			child, n, err := parseNode(data[pos:])
			if err != nil {
				return nil, 0, err
			}
			items = append(items, child)
			pos += n
		}
	}
	if data[0] >= '0' && data[0] <= '9' {
		i := 0
		for i < len(data) && data[i] >= '0' && data[i] <= '9' {
			i++
		}
		if i >= len(data) || data[i] != ':' {
			return nil, 0, fmt.Errorf("%w: bad length prefix", ErrSyntax)
		}
		length, err := strconv.Atoi(string(data[:i]))
		if err != nil || i+1+length > len(data) {
			return nil, 0, fmt.Errorf("%w: atom overruns input", ErrSyntax)
		}
		return &Node{atom: data[i+1 : i+1+length]}, i + 1 + length, nil
	}
	return nil, 0, fmt.Errorf("%w: unexpected byte %q", ErrSyntax, data[0])
}

// Encode renders n in canonical form.
func (n *Node) Encode() []byte {
	if !n.list {
		out := strconv.AppendInt(nil, int64(len(n.atom)), 10)
		out = append(out, ':')
		return append(out, n.atom...)
	}
	out := []byte{'('}
	for _, item := range n.items {
		out = append(out, item.Encode()...)
	}
	return append(out, ')')
}

// Extract matches the schema "(tag (alg (name value)...))" against root and
// returns the value of each requested name, in request order. It returns
// ErrNotFound when root is not tagged tag or carries no alg list, and
// ErrMissingParam when the schema matched but a name is absent.
func Extract(root *Node, tag, alg string, names ...string) ([][]byte, error) {
	if !root.list || len(root.items) < 2 || root.items[0].list ||
		string(root.items[0].atom) != tag {
		return nil, ErrNotFound
	}
	var algList *Node
	for _, item := range root.items[1:] {
		if item.list && len(item.items) > 0 && !item.items[0].list &&
			string(item.items[0].atom) == alg {
			algList = item
			break
		}
	}
	if algList == nil {
		return nil, ErrNotFound
	}

	values := make([][]byte, len(names))
	for i, name := range names {
		found := false
		for _, pair := range algList.items[1:] {
			if !pair.list || len(pair.items) != 2 ||
				pair.items[0].list || pair.items[1].list {
				continue
			}
			if string(pair.items[0].atom) == name {
				values[i] = pair.items[1].atom
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrMissingParam, name)
		}
	}
	return values, nil
}
