package bingo

// BallSet is the set of drawn ball values.
type BallSet map[int]struct{}

// NewBallSet builds a set from drawn balls.
func NewBallSet(balls []int) BallSet {
	set := make(BallSet, len(balls))
	for _, ball := range balls {
		set[ball] = struct{}{}
	}
	return set
}

// Has reports whether ball was drawn.
func (s BallSet) Has(ball int) bool {
	_, ok := s[ball]
	return ok
}

// IsWinner reports whether the card completes a row, a column, either
// diagonal, the four corners, or the whole card against the drawn balls.
// The free space counts as matched on every line through it but is not a
// corner.
func IsWinner(card Card, drawn BallSet) bool {
	if len(drawn) == 0 {
		return false
	}

	matched := func(col, row int) bool {
		if IsFree(col, row) {
			return true
		}
		return drawn.Has(card[col][row])
	}

	full := true
	mainDiag, antiDiag := true, true
	for i := 0; i < Size; i++ {
		row, column := true, true
		for j := 0; j < Size; j++ {
			// row i spans the columns, column i spans the rows
			if !matched(j, i) {
				row = false
				full = false
			}
			if !matched(i, j) {
				column = false
			}
		}
		if row || column {
			return true
		}
		if !matched(i, i) {
			mainDiag = false
		}
		if !matched(Size-1-i, i) {
			antiDiag = false
		}
	}
	if mainDiag || antiDiag {
		return true
	}

	last := Size - 1
	corners := drawn.Has(card[0][0]) && drawn.Has(card[0][last]) &&
		drawn.Has(card[last][0]) && drawn.Has(card[last][last])
	return corners || full
}
