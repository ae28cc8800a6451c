package exec

import (
	"fmt"
	"io"

	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/Mshaffar/kexec/bfile"
)

// kernelNode is a kernel id in the dependency graph. It implements
// graph.Node and dot.Node the same way reflow's flow.Node does for
// flow graphs (flow/dot.go), trading a richer label for the kernel's
// id and opcode (or "args" for the argument pseudo-kernel).
type kernelNode struct {
	id    int
	rec   bfile.KernelRecord
	isArg bool
}

func (n kernelNode) ID() int64 { return int64(n.id) }

func (n kernelNode) DOTID() string {
	if n.isArg {
		return fmt.Sprintf("%d-args", n.id)
	}
	return fmt.Sprintf("%d-op%v", n.id, n.rec.Opcode)
}

func (n kernelNode) Attributes() []encoding.Attribute {
	if n.rec.NonStrict {
		return []encoding.Attribute{{Key: "style", Value: "dashed"}}
	}
	return nil
}

// writeDot renders fn's kernel dependency graph (kernel id nodes,
// used-by edges) to w. It is purely diagnostic: it has no effect on
// firing order and is only ever called after a firing loop reaches a
// fixpoint.
func writeDot(w io.Writer, fn *bfile.Function) error {
	g := simple.NewDirectedGraph()
	nodes := make([]kernelNode, fn.NumKernels())
	for id := range fn.Kernels {
		rec, err := bfile.DecodeKernel(fn.Stream, fn.Kernels[id].Offset)
		if err != nil {
			return err
		}
		nodes[id] = kernelNode{id: id, rec: rec, isArg: id == 0 && fn.HasArgKernel}
		g.AddNode(nodes[id])
	}
	for id := range fn.Kernels {
		for _, usedBy := range nodes[id].rec.UsedBy {
			for _, consumer := range usedBy {
				g.SetEdge(g.NewEdge(nodes[id], nodes[consumer]))
			}
		}
	}
	b, err := dot.Marshal(g, "kexec kernel graph", "", "")
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
