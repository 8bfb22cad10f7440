package ir

import (
	"bytes"
	"fmt"
)

// String implements fmt.Stringer, and pretty prints the graph one node per
// line, in arena (topological) order.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Graph %q: %d nodes\n", g.name, len(g.nodes))
	for id := range g.nodes {
		node := &g.nodes[id]
		w("\t#%d\t%s", id, node.op)
		switch node.op {
		case OpParameter:
			w("(%q)", node.name)
		case OpConstant:
			if v, ok := node.ScalarValue(); ok {
				w("(%g)", v)
			}
		case OpPartitionCall:
			w("(%q)", node.call.Target)
		}
		if len(node.inputs) > 0 {
			w(" <-")
			for _, input := range node.inputs {
				w(" #%d", input)
			}
		}
		w(" : %s", node.shape)
		for _, output := range g.outputs {
			if output == NodeID(id) {
				w("\t(output)")
				break
			}
		}
		w("\n")
	}
	return buf.String()
}
