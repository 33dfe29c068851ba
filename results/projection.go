package results

import "sort"

// Row is one display-ready tally entry. Rank uses standard competition
// ranking: candidates with equal counts share a rank.
type Row struct {
	Rank      int    `json:"rank"`
	Name      string `json:"name"`
	VoteCount uint64 `json:"vote_count"`
}

// Tally is a display-ready ranking of candidates. Available is false only
// when the underlying pairs were malformed; an election with zero candidates
// still produces an available, empty tally.
type Tally struct {
	Available  bool   `json:"available"`
	Rows       []Row  `json:"rows,omitempty"`
	TotalVotes uint64 `json:"total_votes"`
	Winner     string `json:"winner,omitempty"`
}

// NoResults is the explicit empty result for malformed input.
func NoResults() Tally {
	return Tally{Available: false}
}

// Project derives a ranked tally from parallel name/count sequences as
// returned by the ledger. It is total over its input domain: absent or
// mismatched sequences yield NoResults instead of panicking. Ties keep
// ledger order.
func Project(names []string, counts []uint64) Tally {
	if names == nil || counts == nil || len(names) != len(counts) {
		return NoResults()
	}

	tally := Tally{
		Available: true,
		Rows:      make([]Row, len(names)),
	}
	for i := range names {
		tally.Rows[i] = Row{Name: names[i], VoteCount: counts[i]}
		tally.TotalVotes += counts[i]
	}

	sort.SliceStable(tally.Rows, func(i, j int) bool {
		return tally.Rows[i].VoteCount > tally.Rows[j].VoteCount
	})

	for i := range tally.Rows {
		if i > 0 && tally.Rows[i].VoteCount == tally.Rows[i-1].VoteCount {
			tally.Rows[i].Rank = tally.Rows[i-1].Rank
		} else {
			tally.Rows[i].Rank = i + 1
		}
	}

	if len(tally.Rows) > 0 {
		tally.Winner = tally.Rows[0].Name
	}
	return tally
}
