package fanproxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func upstreamIndexes(upstreams []Upstream) []int {
	var out []int
	for _, u := range upstreams {
		out = append(out, u.Config().Index)
	}
	return out
}

func TestSuffixSelection(t *testing.T) {
	tests := []struct {
		name     string
		suffixes []string // suffix of upstream i+1
		qNames   []string
		expected []int
	}{
		{
			name:     "suffix match",
			suffixes: []string{"a.b", ""},
			qNames:   []string{"x.a.b"},
			expected: []int{1},
		},
		{
			name:     "fallback to default",
			suffixes: []string{"a.b", ""},
			qNames:   []string{"y.c"},
			expected: []int{2},
		},
		{
			name:     "more specific first",
			suffixes: []string{"b", "a.b"},
			qNames:   []string{"x.a.b"},
			expected: []int{2, 1},
		},
		{
			name:     "more specific first in config order",
			suffixes: []string{"a.b", "b"},
			qNames:   []string{"x.a.b"},
			expected: []int{1, 2},
		},
		{
			name:     "equal specificity by index",
			suffixes: []string{"", "c.d", "a.b", "c.d"},
			qNames:   []string{"x.a.b", "x.c.d"},
			expected: []int{2, 3, 4},
		},
		{
			name:     "all defaults in config order",
			suffixes: []string{"", "corp.local", "", ""},
			qNames:   []string{"example.com"},
			expected: []int{1, 3, 4},
		},
		{
			name:     "exact name matches suffix",
			suffixes: []string{"corp.local", ""},
			qNames:   []string{"corp.local"},
			expected: []int{1},
		},
		{
			name:     "plain string suffix",
			suffixes: []string{"a.b", ""},
			qNames:   []string{"xa.b"},
			expected: []int{1},
		},
		{
			name:     "suffix longer than name",
			suffixes: []string{"x.a.b", ""},
			qNames:   []string{"a.b"},
			expected: []int{2},
		},
		{
			name:     "case insensitive",
			suffixes: []string{"corp.local", ""},
			qNames:   []string{"Host.CORP.Local"},
			expected: []int{1},
		},
		{
			name:     "matching name wins over specificity on other name",
			suffixes: []string{"x.y.z", "a.b"},
			qNames:   []string{"1.a.b", "2.a.b", "3.x.y.z"},
			expected: []int{2, 1},
		},
		{
			name:     "no defaults",
			suffixes: []string{"a.b"},
			qNames:   []string{"y.c"},
			expected: nil,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var upstreams []Upstream
			list := new(UpstreamList)
			for _, suffix := range test.suffixes {
				cfg := list.Add(suffix, "127.0.0.1", 53)
				upstreams = append(upstreams, newTestUpstream(cfg.Index, cfg.Suffix))
			}
			q := testQuery(1, test.qNames...)
			selected := SuffixSelection(upstreams, q)
			require.Equal(t, test.expected, upstreamIndexes(selected))
		})
	}
}

func TestSuffixSelectionKeepsInput(t *testing.T) {
	upstreams := []Upstream{
		newTestUpstream(1, "b"),
		newTestUpstream(2, "a.b"),
	}
	SuffixSelection(upstreams, testQuery(1, "x.a.b"))
	require.Equal(t, []int{1, 2}, upstreamIndexes(upstreams))
}
