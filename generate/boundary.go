package generate

import (
	"sort"
	"strings"

	"github.com/hazyhaar/pageclone/analyze"
)

// Reasons a node became a component.
const (
	ReasonRoot     = "root"
	ReasonLandmark = "landmark"
	ReasonRepeated = "repeated"
	ReasonBranch   = "branch"
)

// Thresholds for boundary inference.
const (
	// minRepeat is the shortest run of same-signature siblings that counts
	// as repeated structure.
	minRepeat = 3
	// minBranch is the element child count that makes a node a component
	// under full componentization.
	minBranch = 2
)

// boundaries decides which nodes start a component. The root always does.
// Under partial componentization the landmark heuristic is checked before
// the repeated-structure one and the first match decides the reason.
func boundaries(root *analyze.Node, mode Componentization) map[*analyze.Node]string {
	out := map[*analyze.Node]string{root: ReasonRoot}
	switch mode {
	case ComponentsNone:
		return out
	case ComponentsFull:
		root.Walk(func(n *analyze.Node) bool {
			if n != root && !n.IsText() && len(n.ElementChildren()) >= minBranch {
				out[n] = ReasonBranch
			}
			return true
		})
		return out
	}

	repeated := map[*analyze.Node]bool{}
	root.Walk(func(n *analyze.Node) bool {
		for _, run := range repeatedRuns(n) {
			for _, m := range run {
				repeated[m] = true
			}
		}
		return true
	})
	root.Walk(func(n *analyze.Node) bool {
		if n == root || n.IsText() {
			return true
		}
		switch {
		case n.Layout.Landmark:
			out[n] = ReasonLandmark
		case repeated[n]:
			out[n] = ReasonRepeated
		}
		return true
	})
	return out
}

// repeatedRuns returns the maximal runs of at least minRepeat consecutive
// element children of n that share a signature and each have an element
// child. Text between siblings does not break a run.
func repeatedRuns(n *analyze.Node) [][]*analyze.Node {
	var runs [][]*analyze.Node
	var cur []*analyze.Node
	curSig := ""
	flush := func() {
		if len(cur) >= minRepeat {
			runs = append(runs, cur)
		}
		cur, curSig = nil, ""
	}
	for _, c := range n.ElementChildren() {
		if len(c.ElementChildren()) == 0 {
			flush()
			continue
		}
		sig := signature(c)
		if sig != curSig {
			flush()
			curSig = sig
		}
		cur = append(cur, c)
	}
	flush()
	return runs
}

// signature summarises a node's shape: tag, sorted classes and the tags of
// its element children.
func signature(n *analyze.Node) string {
	var b strings.Builder
	b.WriteString(n.Tag)
	classes := strings.Fields(n.Attrs["class"])
	sort.Strings(classes)
	for _, c := range classes {
		b.WriteByte('.')
		b.WriteString(c)
	}
	b.WriteByte('(')
	for i, c := range n.ElementChildren() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(c.Tag)
	}
	b.WriteByte(')')
	return b.String()
}
