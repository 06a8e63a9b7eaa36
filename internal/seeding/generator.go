package seeding

import (
	"fmt"
	"math/rand"
)

// plannedUser is one participant to register.
type plannedUser struct {
	village int // index into the planned villages
	name    string
	age     int
	score   *int
}

// plan is the synthetic data of one run.
type plan struct {
	villages []string
	users    []plannedUser
}

// generatePlan builds village names tagged with runID and users spread over
// them with random scores. About one user in ten reports no score.
func generatePlan(rng *rand.Rand, runID string, villages, users int) plan {
	p := plan{
		villages: make([]string, villages),
		users:    make([]plannedUser, users),
	}
	for i := range p.villages {
		p.villages[i] = fmt.Sprintf("Seed %s Village %03d", runID, i+1)
	}
	for i := range p.users {
		u := plannedUser{
			village: rng.Intn(villages),
			name:    fmt.Sprintf("Rider %05d", i+1),
			age:     60 + rng.Intn(30),
		}
		if rng.Intn(10) != 0 {
			score := rng.Intn(maxScore + 1)
			u.score = &score
		}
		p.users[i] = u
	}
	return p
}
