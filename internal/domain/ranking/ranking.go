// Package ranking computes the village leaderboard from per-user scores.
//
// Compute is a pure function: it performs no I/O, keeps no state between
// calls and never fails. Fetching users and villages is the caller's job.
package ranking

import (
	"math"
	"sort"
	"strings"
)

// UserScore is one participant's score record.
type UserScore struct {
	VillageID string
	// Score is the participant's cumulative training score. Nil counts as 0.
	Score *int
}

// VillageMeta carries the display name of a village.
type VillageMeta struct {
	VillageID   string
	VillageName string
}

// Entry is one row of the computed leaderboard.
type Entry struct {
	Rank         int    `json:"rank"`
	VillageID    string `json:"village_id"`
	VillageName  string `json:"village_name"`
	Participants int    `json:"participants"`
	AvgScore     int    `json:"avg_score"`
}

// group accumulates per-village totals during the single pass over users.
type group struct {
	villageID    string
	participants int
	totalScore   int64
}

// Compute builds the leaderboard.
//
// Users whose village id is empty are not attributed to any village and are
// left out. Villages without users never appear. Entries are ordered by
// average score descending; ties go to the village with more participants,
// then to the lexicographically smaller village id, so the result does not
// depend on input order.
func Compute(users []UserScore, villages []VillageMeta) []Entry {
	groups := make(map[string]*group)
	for _, u := range users {
		id := strings.TrimSpace(u.VillageID)
		if id == "" {
			continue
		}
		g, ok := groups[id]
		if !ok {
			g = &group{villageID: id}
			groups[id] = g
		}
		g.participants++
		if u.Score != nil {
			g.totalScore += int64(*u.Score)
		}
	}

	names := make(map[string]string, len(villages))
	for _, v := range villages {
		id := strings.TrimSpace(v.VillageID)
		if id == "" || strings.TrimSpace(v.VillageName) == "" {
			continue
		}
		names[id] = v.VillageName
	}

	entries := make([]Entry, 0, len(groups))
	for id, g := range groups {
		name, ok := names[id]
		if !ok {
			name = id
		}
		entries = append(entries, Entry{
			VillageID:    id,
			VillageName:  name,
			Participants: g.participants,
			AvgScore:     average(g.totalScore, g.participants),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return less(entries[i], entries[j])
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// average returns total/n rounded half away from zero. n must be positive.
func average(total int64, n int) int {
	return int(math.Round(float64(total) / float64(n)))
}

// less reports whether a ranks ahead of b.
func less(a, b Entry) bool {
	if a.AvgScore != b.AvgScore {
		return a.AvgScore > b.AvgScore
	}
	if a.Participants != b.Participants {
		return a.Participants > b.Participants
	}
	return a.VillageID < b.VillageID
}

// Top returns at most n leading entries. n <= 0 returns entries unchanged.
func Top(entries []Entry, n int) []Entry {
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[:n]
}
