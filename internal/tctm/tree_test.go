package tctm

import (
	"testing"

	"example.com/stixgate/internal/idb"
)

func names(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Desc.Name)
	}
	return out
}

func equalNames(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestBuildTreeNesting(t *testing.T) {
	tree := BuildTree([]idb.Descriptor{
		{Name: "A", Width: 8, GroupSize: 2},
		{Name: "B", Width: 16},
		{Name: "C", Width: 8, GroupSize: 1},
		{Name: "D", Width: 4},
		{Name: "E", Width: 8},
	})
	if got := names(tree.Root.Children); !equalNames(got, "A", "E") {
		t.Fatalf("root children = %v, want [A E]", got)
	}
	a := tree.Root.Children[0]
	if got := names(a.Children); !equalNames(got, "B", "C") {
		t.Fatalf("A children = %v, want [B C]", got)
	}
	if got := names(a.Children[1].Children); !equalNames(got, "D") {
		t.Fatalf("C children = %v, want [D]", got)
	}
	if tree.Size != 5 {
		t.Fatalf("size = %d, want 5", tree.Size)
	}
	if tree.MinLength != 5 {
		t.Fatalf("min length = %d, want 5", tree.MinLength)
	}
}

func TestBuildTreeFlat(t *testing.T) {
	tree := BuildTree([]idb.Descriptor{{Name: "A", Width: 8}, {Name: "B", Width: 8}, {Name: "C", Width: 3}})
	if got := names(tree.Root.Children); !equalNames(got, "A", "B", "C") {
		t.Fatalf("root children = %v", got)
	}
	if tree.MinLength != 2 {
		t.Fatalf("min length = %d, want 2", tree.MinLength)
	}
}

func TestTreeCache(t *testing.T) {
	store := testStore(t)
	cache := NewTreeCache()
	first, ok := cache.Variable(54118, store)
	if !ok {
		t.Fatalf("Variable(54118) not found")
	}
	second, _ := cache.Variable(54118, store)
	if first != second {
		t.Fatalf("cache returned a different tree")
	}
	if _, ok := cache.Variable(1, store); ok {
		t.Fatalf("Variable(1) found")
	}
	tc, _ := store.Telecommand(20, 128, idb.NoSubtype)
	if cache.Telecommand(tc) != cache.Telecommand(tc) {
		t.Fatalf("telecommand tree not cached")
	}
	if cache.Len() != 2 {
		t.Fatalf("Len = %d, want 2", cache.Len())
	}
	group := first.Root.Children[2]
	if group.Desc.Name != "NIX00270" || !equalNames(names(group.Children), "NIX00271") {
		t.Fatalf("group %s children = %v", group.Desc.Name, names(group.Children))
	}
}
