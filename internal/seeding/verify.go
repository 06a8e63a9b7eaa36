package seeding

import (
	"fmt"

	"github.com/okian/saferide/internal/domain/ranking"
)

// Verify checks the structural invariants of a served ranking: ranks run
// 1..n without gaps, entries are ordered best first and every village has
// at least one participant.
func Verify(entries []ranking.Entry) []error {
	var errs []error
	for i, e := range entries {
		if e.Rank != i+1 {
			errs = append(errs, fmt.Errorf("%w: entry %d has rank %d", ErrInvariant, i, e.Rank))
		}
		if e.Participants < 1 {
			errs = append(errs, fmt.Errorf("%w: village %s has %d participants", ErrInvariant, e.VillageID, e.Participants))
		}
		if i == 0 {
			continue
		}
		prev := entries[i-1]
		switch {
		case prev.AvgScore < e.AvgScore:
			errs = append(errs, fmt.Errorf("%w: %s (avg %d) ranked above %s (avg %d)",
				ErrInvariant, prev.VillageID, prev.AvgScore, e.VillageID, e.AvgScore))
		case prev.AvgScore == e.AvgScore && prev.Participants < e.Participants:
			errs = append(errs, fmt.Errorf("%w: tie between %s and %s not broken by participants",
				ErrInvariant, prev.VillageID, e.VillageID))
		}
	}
	return errs
}

// Compare matches the served entries for the given villages against the
// locally computed ranking. Villages outside ids are ignored so a shared
// backend can be seeded repeatedly.
func Compare(want, got []ranking.Entry, ids map[string]bool) []error {
	served := make([]ranking.Entry, 0, len(want))
	for _, e := range got {
		if ids[e.VillageID] {
			served = append(served, e)
		}
	}

	var errs []error
	if len(served) != len(want) {
		errs = append(errs, fmt.Errorf("%w: served %d seeded villages, want %d", ErrMismatch, len(served), len(want)))
	}
	for i := 0; i < len(want) && i < len(served); i++ {
		w, g := want[i], served[i]
		if w.VillageID != g.VillageID || w.VillageName != g.VillageName ||
			w.Participants != g.Participants || w.AvgScore != g.AvgScore {
			errs = append(errs, fmt.Errorf("%w: position %d is %s/%q (%d, avg %d), want %s/%q (%d, avg %d)",
				ErrMismatch, i, g.VillageID, g.VillageName, g.Participants, g.AvgScore,
				w.VillageID, w.VillageName, w.Participants, w.AvgScore))
		}
	}
	return errs
}
