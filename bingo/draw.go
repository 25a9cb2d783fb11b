package bingo

import "math/rand/v2"

// DrawBall picks a uniformly random ball in [1, MaxBall] that is not in
// drawn. It returns false once every ball has been drawn. intn may be nil.
func DrawBall(drawn []int, intn func(n int) int) (int, bool) {
	if intn == nil {
		intn = rand.IntN
	}
	taken := NewBallSet(drawn)
	remaining := make([]int, 0, MaxBall-len(taken))
	for ball := 1; ball <= MaxBall; ball++ {
		if !taken.Has(ball) {
			remaining = append(remaining, ball)
		}
	}
	if len(remaining) == 0 {
		return 0, false
	}
	return remaining[intn(len(remaining))], true
}
