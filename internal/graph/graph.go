// Package graph builds the execution DAG from a workflow's explicit
// depends_on edges and its implicit steps.<X>.outputs.<Y> cross-references,
// detects cycles, and computes execution layers, per spec.md §4.2.
package graph

import (
	"regexp"

	"github.com/bioflow-run/bioflow/internal/bioflowerr"
	"github.com/bioflow-run/bioflow/internal/model"
)

// implicitRefPattern matches steps.<name>.outputs.<name> wherever it
// appears in a raw (pre-resolution) string field. It is intentionally a
// substring search over the unresolved text: the Resolver later erases
// these tokens by substitution, so Build must be called on the workflow
// before it is resolved (scheduler.Engine.Execute builds the graph from the
// unresolved workflow and resolves afterwards).
var implicitRefPattern = regexp.MustCompile(`steps\.([A-Za-z0-9_-]+)\.outputs\.[A-Za-z0-9_-]+`)

// Graph is the execution DAG for one workflow: step names as nodes, plus
// the layering the scheduler consumes.
type Graph struct {
	order  []string // declaration order, post-flatten
	preds  map[string][]string
	succs  map[string][]string
	layers [][]string
}

// Layers returns the graph's layers in dependency order: every step in
// Layers()[i] has every predecessor in a strictly earlier layer.
func (g *Graph) Layers() [][]string { return g.layers }

// Predecessors returns the direct predecessors of name.
func (g *Graph) Predecessors(name string) []string { return g.preds[name] }

// Build constructs the execution DAG from wf. wf should be the
// pre-resolution workflow so that implicit steps.X.outputs.Y references
// are still present as literal text to scan.
func Build(wf *model.Workflow) (*Graph, error) {
	steps := wf.Flatten()

	g := &Graph{
		preds: map[string][]string{},
		succs: map[string][]string{},
	}
	byName := map[string]*model.Step{}
	for _, s := range steps {
		g.order = append(g.order, s.Name)
		byName[s.Name] = s
		g.preds[s.Name] = nil
		g.succs[s.Name] = nil
	}

	addEdge := func(pred, succ string) {
		for _, p := range g.preds[succ] {
			if p == pred {
				return
			}
		}
		g.preds[succ] = append(g.preds[succ], pred)
		g.succs[pred] = append(g.succs[pred], succ)
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, bioflowerr.NewUnknownDependencyError(s.Name, dep)
			}
			addEdge(dep, s.Name)
		}

		for _, ref := range implicitRefs(s) {
			if ref == s.Name {
				continue
			}
			if _, ok := byName[ref]; !ok {
				// An implicit reference to a nonexistent step is left for
				// the Resolver to reject as UnknownReference; the graph
				// itself only raises DependencyError for explicit
				// depends_on entries.
				continue
			}
			addEdge(ref, s.Name)
		}

		for i, child := range s.NestedSteps {
			addEdge(s.Name, child.Name)
			// A sequential_group additionally chains its children one
			// after another in declaration order, so the layering forces
			// them to run one at a time even though the parent gate alone
			// would let them overlap (see DESIGN.md Open Questions).
			if s.Kind == model.KindSequentialGroup && i > 0 {
				addEdge(s.NestedSteps[i-1].Name, child.Name)
			}
		}
	}

	if err := g.computeLayers(); err != nil {
		return nil, err
	}
	return g, nil
}

func implicitRefs(s *model.Step) []string {
	var refs []string
	scan := func(text string) {
		for _, m := range implicitRefPattern.FindAllStringSubmatch(text, -1) {
			refs = append(refs, m[1])
		}
	}
	scan(s.Command)
	for _, io := range s.Inputs {
		scan(io.Value)
	}
	for _, io := range s.Outputs {
		scan(io.Value)
	}
	if s.Container != nil {
		for _, m := range s.Container.Mounts {
			scan(m.HostPath)
			scan(m.ContainerPath)
		}
	}
	return refs
}

// computeLayers runs Kahn's algorithm, assigning each node a layer equal to
// one more than the maximum layer of its predecessors (0 if it has none).
// If the algorithm terminates without processing every node, a cycle
// exists among the unprocessed nodes.
func (g *Graph) computeLayers() error {
	indegree := map[string]int{}
	for _, n := range g.order {
		indegree[n] = len(g.preds[n])
	}

	layerOf := map[string]int{}
	var queue []string
	for _, n := range g.order {
		if indegree[n] == 0 {
			layerOf[n] = 0
			queue = append(queue, n)
		}
	}

	processed := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		processed++

		for _, succ := range g.succs[n] {
			if layerOf[n]+1 > layerOf[succ] {
				layerOf[succ] = layerOf[n] + 1
			}
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if processed != len(g.order) {
		return bioflowerr.NewCircularDependencyError(g.findCycle(indegree))
	}

	maxLayer := 0
	for _, l := range layerOf {
		if l > maxLayer {
			maxLayer = l
		}
	}
	g.layers = make([][]string, maxLayer+1)
	for _, n := range g.order {
		l := layerOf[n]
		g.layers[l] = append(g.layers[l], n)
	}
	return nil
}

// findCycle enumerates a witness chain by walking predecessors from any
// node still carrying a nonzero indegree, until a node repeats.
func (g *Graph) findCycle(indegree map[string]int) []string {
	var start string
	for _, n := range g.order {
		if indegree[n] > 0 {
			start = n
			break
		}
	}
	if start == "" {
		return nil
	}

	visitedAt := map[string]int{}
	var chain []string
	cur := start
	for {
		if pos, ok := visitedAt[cur]; ok {
			cycle := append([]string(nil), chain[pos:]...)
			cycle = append(cycle, cur)
			return reverseChain(cycle)
		}
		visitedAt[cur] = len(chain)
		chain = append(chain, cur)

		next := ""
		for _, p := range g.preds[cur] {
			if indegree[p] > 0 {
				next = p
				break
			}
		}
		if next == "" {
			return reverseChain(chain)
		}
		cur = next
	}
}

func reverseChain(chain []string) []string {
	out := make([]string, len(chain))
	for i, s := range chain {
		out[len(chain)-1-i] = s
	}
	return out
}
