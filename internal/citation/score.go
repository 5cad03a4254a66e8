package citation

import "sort"

// ComputeMeta derives the aggregate scores from a fully (or partially) merged
// by_query map. A provider's score is the percentage of all task queries
// where that provider reported citation_found=true; queries the provider
// never attempted count toward the denominator but not the numerator.
func ComputeMeta(totalQueries int, byQuery map[string]QueryResult) Meta {
	meta := Meta{QueriesTotal: totalQueries}
	if totalQueries == 0 {
		return meta
	}

	var gptFound, geminiFound int
	for _, qr := range byQuery {
		if qr.GPT != nil {
			meta.GPTAttempted++
			if qr.GPT.CitationFound {
				gptFound++
			}
		}
		if qr.Gemini != nil {
			meta.GeminiAttempted++
			if qr.Gemini.CitationFound {
				geminiFound++
			}
		}
	}

	gpt := 100 * float64(gptFound) / float64(totalQueries)
	gemini := 100 * float64(geminiFound) / float64(totalQueries)
	meta.GPTScore = &gpt
	meta.GeminiScore = &gemini
	return meta
}

// RankCompetitors aggregates competitor entries across all query results and
// returns the top N non-target domains ranked by frequency, ties broken by
// first-seen order. Iteration follows numeric index order so first-seen is
// deterministic regardless of map layout.
func RankCompetitors(byQuery map[string]QueryResult, targetDomain string, topN int) []Competitor {
	type tally struct {
		competitor Competitor
		count      int
		firstSeen  int
	}

	counts := make(map[string]*tally)
	seen := 0
	for _, key := range SortedIndices(byQuery) {
		for _, c := range byQuery[key].TopCompetitors {
			if c.Domain == "" || sameDomain(c.Domain, targetDomain) {
				continue
			}
			t, ok := counts[c.Domain]
			if !ok {
				t = &tally{competitor: c, firstSeen: seen}
				counts[c.Domain] = t
				seen++
			}
			t.count++
		}
	}

	ranked := make([]*tally, 0, len(counts))
	for _, t := range counts {
		ranked = append(ranked, t)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].firstSeen < ranked[j].firstSeen
	})

	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	out := make([]Competitor, len(ranked))
	for i, t := range ranked {
		out[i] = t.competitor
	}
	return out
}
