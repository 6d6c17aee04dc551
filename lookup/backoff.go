package lookup

import "time"

// attempt is the mutable state of one lookup's retry loop.
type attempt struct {
	sent     int           // requests sent so far
	interval time.Duration // receive timeout of the current round
	waited   time.Duration // sum of the intervals of failed rounds
	budget   time.Duration
}

func newAttempt(initial, budget time.Duration) *attempt {
	if initial > budget {
		initial = budget
	}
	return &attempt{interval: initial, budget: budget}
}

// next accounts a failed round and doubles the interval, capping it so the
// accounted wait never passes the budget. It reports false once the budget
// is spent.
func (a *attempt) next() bool {
	a.waited += a.interval
	if a.waited >= a.budget {
		return false
	}

	a.interval *= 2
	if rest := a.budget - a.waited; a.interval > rest {
		a.interval = rest
	}

	return true
}

// Schedule lists the receive timeouts a lookup uses when no round
// succeeds. With a 1s initial timeout and a 31s budget it is 1s, 2s, 4s,
// 8s, 16s.
func Schedule(initial, budget time.Duration) []time.Duration {
	if initial <= 0 || budget <= 0 {
		return nil
	}

	a := newAttempt(initial, budget)
	rounds := []time.Duration{a.interval}
	for a.next() {
		rounds = append(rounds, a.interval)
	}

	return rounds
}
