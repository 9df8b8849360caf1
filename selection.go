package fanproxy

import (
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// SelectionPolicy picks and orders the upstreams a query is sent to. It must not
// modify the provided slice and must not have side effects.
type SelectionPolicy func(upstreams []Upstream, q *dns.Msg) []Upstream

var _ SelectionPolicy = SuffixSelection

// SuffixSelection routes a query to all upstreams whose suffix matches at least one
// question name. If none match, the query goes to all upstreams without suffix. The
// result is ordered with the most specific match first and ties resolved by the order
// the upstreams were configured in.
func SuffixSelection(upstreams []Upstream, q *dns.Msg) []Upstream {
	var matching, defaults []Upstream
	for _, u := range upstreams {
		suffix := u.Config().Suffix
		if suffix == "" {
			defaults = append(defaults, u)
			continue
		}
		for _, question := range q.Question {
			if suffixMatch(suffix, question.Name) {
				matching = append(matching, u)
				break
			}
		}
	}
	candidates := matching
	if len(candidates) == 0 {
		candidates = defaults
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return compareUpstreams(candidates[i].Config(), candidates[j].Config(), q.Question) < 0
	})
	return candidates
}

// Compares two upstreams across all question names. Negative if a should be
// preferred over b.
func compareUpstreams(a, b UpstreamConfig, questions []dns.Question) int {
	var order int
	for _, question := range questions {
		aMatch := suffixMatch(a.Suffix, question.Name)
		bMatch := suffixMatch(b.Suffix, question.Name)
		switch {
		case aMatch && !bMatch:
			order--
		case bMatch && !aMatch:
			order++
		case aMatch && bMatch:
			aLabels, bLabels := suffixLabels(a.Suffix), suffixLabels(b.Suffix)
			if aLabels > bLabels {
				order--
			} else if bLabels > aLabels {
				order++
			}
		}
	}
	if order != 0 {
		return order
	}
	return a.Index - b.Index
}

// An empty suffix matches everything. Otherwise the name, without the trailing root
// dot and ignoring case, has to end with the suffix. This is a plain string
// comparison, "a.b" matches "xa.b" as well as "x.a.b".
func suffixMatch(suffix, name string) bool {
	if suffix == "" {
		return true
	}
	return strings.HasSuffix(strings.ToLower(strings.TrimSuffix(name, ".")), suffix)
}

func suffixLabels(suffix string) int {
	if suffix == "" {
		return 0
	}
	return dns.CountLabel(dns.Fqdn(suffix))
}
