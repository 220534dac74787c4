package expr

import (
	"strconv"
	"strings"
)

// Kind tags the variant held by a Node.
type Kind uint8

const (
	// KindLiteral is a numeric or boolean constant.
	KindLiteral Kind = iota
	// KindVariable references a bar column such as close or volume.
	KindVariable
	// KindCall invokes an indicator or REF.
	KindCall
	// KindCompare is one of >, < or == over two numeric operands.
	KindCompare
	// KindLogic is &, | (two operands) or ! (one operand).
	KindLogic
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindVariable:
		return "variable"
	case KindCall:
		return "call"
	case KindCompare:
		return "compare"
	case KindLogic:
		return "logic"
	}
	return "unknown"
}

// Operators.
const (
	OpGT  = ">"
	OpLT  = "<"
	OpEQ  = "=="
	OpAnd = "&"
	OpOr  = "|"
	OpNot = "!"
)

// RefName is the reserved function that shifts its first argument back in
// time.
const RefName = "REF"

// Node is one element of a compiled expression. Which fields are set
// depends on Kind. Nodes are never mutated after Compile returns.
type Node struct {
	Kind Kind
	Pos  int

	Op   string  // compare and logic
	Name string  // variable (lower case) and call (upper case)
	Num  float64 // numeric literal
	Bool bool    // boolean literal
	// IsBool distinguishes true/false literals from numbers.
	IsBool bool

	Args []*Node // call arguments, or operands
}

// String renders the node canonically. Equal strings denote equal trees,
// which lets derived indicator columns be cached by text.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n *Node) write(b *strings.Builder) {
	switch n.Kind {
	case KindLiteral:
		if n.IsBool {
			b.WriteString(strconv.FormatBool(n.Bool))
			return
		}
		b.WriteString(strconv.FormatFloat(n.Num, 'g', -1, 64))
	case KindVariable:
		b.WriteString(n.Name)
	case KindCall:
		b.WriteString(n.Name)
		b.WriteByte('(')
		for i, a := range n.Args {
			if i > 0 {
				b.WriteByte(',')
			}
			a.write(b)
		}
		b.WriteByte(')')
	case KindCompare:
		b.WriteByte('(')
		n.Args[0].write(b)
		b.WriteString(" " + n.Op + " ")
		n.Args[1].write(b)
		b.WriteByte(')')
	case KindLogic:
		if n.Op == OpNot {
			b.WriteString(OpNot)
			n.Args[0].write(b)
			return
		}
		b.WriteByte('(')
		n.Args[0].write(b)
		b.WriteString(" " + n.Op + " ")
		n.Args[1].write(b)
		b.WriteByte(')')
	}
}

// Walk visits n and its descendants depth-first, stopping a branch when fn
// returns false.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, a := range n.Args {
		a.Walk(fn)
	}
}

// Tree is a compiled rule.
type Tree struct {
	Root   *Node
	Source string
}

// String returns the canonical form of the rule.
func (t *Tree) String() string { return t.Root.String() }

// Calls returns the distinct top-level-evaluated call expressions in the
// tree, in first-appearance order. These are the columns a debug trace
// records.
func (t *Tree) Calls() []string {
	var out []string
	seen := make(map[string]bool)
	t.Root.Walk(func(n *Node) bool {
		if n.Kind != KindCall {
			return true
		}
		s := n.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
		// Arguments of a call are evaluated at shifted or historical rows
		// and are not traced separately.
		return false
	})
	return out
}
