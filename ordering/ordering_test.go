package ordering_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veiloq/savekit/ordering"
)

type item struct {
	module string
	name   string
	tx     bool
}

func (i item) ModuleKey() string   { return i.module }
func (i item) Transactional() bool { return i.tx }

func names(items []item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.name
	}
	return out
}

func TestReorder(t *testing.T) {
	tests := []struct {
		name  string
		items []item
		want  []string
	}{
		{
			name: "interleaved single module",
			items: []item{
				{"a", "t1", true}, {"a", "p1", false}, {"a", "t2", true}, {"a", "p2", false},
			},
			want: []string{"p1", "p2", "t1", "t2"},
		},
		{
			name: "transactional grouped by first encounter",
			items: []item{
				{"a", "a.t1", true}, {"b", "b.p1", false}, {"b", "b.t1", true},
				{"a", "a.p1", false}, {"a", "a.t2", true}, {"c", "c.p1", false},
			},
			want: []string{"b.p1", "a.p1", "c.p1", "a.t1", "a.t2", "b.t1"},
		},
		{
			name:  "nothing transactional",
			items: []item{{"a", "p1", false}, {"b", "p2", false}},
			want:  []string{"p1", "p2"},
		},
		{
			name:  "empty",
			items: nil,
			want:  []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, names(ordering.Reorder(tt.items)))
		})
	}
}

func TestReorderKeepsInput(t *testing.T) {
	items := []item{{"a", "t1", true}, {"a", "p1", false}}
	_ = ordering.Reorder(items)
	assert.Equal(t, []string{"t1", "p1"}, names(items))
}

func TestReorderModuleInvariant(t *testing.T) {
	items := []item{
		{"a", "a1", true}, {"b", "b1", false}, {"a", "a2", false},
		{"b", "b2", true}, {"a", "a3", true}, {"b", "b3", false},
	}
	got := ordering.Reorder(items)
	assert.Len(t, got, len(items))

	lastPlain := map[string]int{}
	firstTx := map[string]int{}
	for i, it := range got {
		if it.tx {
			if _, ok := firstTx[it.module]; !ok {
				firstTx[it.module] = i
			}
		} else {
			lastPlain[it.module] = i
		}
	}
	for module, i := range firstTx {
		assert.Less(t, lastPlain[module], i, "module %s runs its transactional items last", module)
	}
}

func TestFilterAndDeferred(t *testing.T) {
	items := []item{{"a", "t1", true}, {"a", "p1", false}, {"b", "t2", true}}
	assert.Equal(t, []string{"p1"}, names(ordering.Filter(items)))
	assert.Equal(t, 2, ordering.Deferred(items))
}

func TestLastOfModule(t *testing.T) {
	items := []item{{"a", "p1", false}, {"a", "t1", true}, {"b", "t2", true}}
	assert.False(t, ordering.LastOfModule(items, 0))
	assert.True(t, ordering.LastOfModule(items, 1))
	assert.True(t, ordering.LastOfModule(items, 2))
}
