package diagnostics

import "testing"

type verStr string

func (v verStr) String() string { return string(v) }

func TestSimplifyMergesSiblingsByName(t *testing.T) {
	g := NewGraph()
	root := g.Root()

	dropdown18 := g.AddPackageNode("dropdown", verStr("1.8"))
	dropdown20 := g.AddPackageNode("dropdown", verStr("2.0"))
	dropdown21 := g.AddPackageNode("dropdown", verStr("2.1"))

	g.AddEdge(root, dropdown18, EdgeDepends, "dropdown 1.*")
	g.AddEdge(root, dropdown20, EdgeDepends, "dropdown 1.*")
	g.AddEdge(root, dropdown21, EdgeDepends, "dropdown 1.*")

	simplified := g.Simplify()
	report := simplified.AsProblemReport()

	found := false
	for _, e := range report.Entries {
		if e.Name == "dropdown" {
			found = true
			if len(e.Versions) == 0 {
				t.Fatal("expected merged dropdown entry to carry version ranges")
			}
		}
	}
	if !found {
		t.Fatal("expected a merged dropdown entry")
	}
}

func TestSimplifyCollapsesSingleChildChains(t *testing.T) {
	g := NewGraph()
	root := g.Root()
	a := g.AddPackageNode("a", verStr("1.0"))
	b := g.AddPackageNode("b", verStr("1.0"))
	c := g.AddConstraintNode("c", "unmet c>=2.0")

	g.AddEdge(root, a, EdgeDepends, "a")
	g.AddEdge(a, b, EdgeDepends, "b")
	g.AddEdge(b, c, EdgeDepends, "c>=2.0")

	simplified := g.Simplify()
	rendered := simplified.Render()
	if rendered == "" {
		t.Fatal("expected non-empty render")
	}
}

func TestConflictMapIntegration(t *testing.T) {
	g := NewGraph()
	p1 := g.AddPackageNode("icons", verStr("1.0"))
	p2 := g.AddPackageNode("icons", verStr("2.0"))
	g.MarkConflict(p1, p2)
	if !g.conflicts.inConflict(p1, p2) {
		t.Fatal("expected recorded conflict")
	}
}
