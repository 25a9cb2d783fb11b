// Package bingo holds the pure game rules: card generation, ball draws and
// win detection. Nothing in here touches storage or the network.
package bingo

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

const (
	// Size is the number of rows and columns on a card.
	Size = 5

	// MaxBall is the highest ball value in a 75-ball game.
	MaxBall = 75

	// FreeSpace marks the centre cell of the N column. It never matches a ball.
	FreeSpace = 0

	columnSpan = 15
	freeColumn = 2
	freeRow    = 2
)

// Columns are the card's column labels, in order.
var Columns = [Size]string{"B", "I", "N", "G", "O"}

// ErrExhausted is returned when no unique card could be produced within the
// configured number of attempts.
var ErrExhausted = errors.New("bingo: unique card attempts exhausted")

// Card is a 5x5 grid indexed as Card[column][row].
type Card [Size][Size]int

// ColumnRange returns the inclusive ball range for a column index.
func ColumnRange(col int) (lo, hi int) {
	lo = col*columnSpan + 1
	return lo, lo + columnSpan - 1
}

// IsFree reports whether the cell at col,row is the free space.
func IsFree(col, row int) bool {
	return col == freeColumn && row == freeRow
}

// Validate checks ranges, in-card uniqueness and the free space position.
func (c Card) Validate() error {
	seen := make(map[int]struct{}, Size*Size)
	for col := 0; col < Size; col++ {
		lo, hi := ColumnRange(col)
		for row := 0; row < Size; row++ {
			value := c[col][row]
			if IsFree(col, row) {
				if value != FreeSpace {
					return fmt.Errorf("bingo: %s[%d] must be the free space", Columns[col], row)
				}
				continue
			}
			if value < lo || value > hi {
				return fmt.Errorf("bingo: %s[%d]=%d outside %d-%d", Columns[col], row, value, lo, hi)
			}
			if _, dup := seen[value]; dup {
				return fmt.Errorf("bingo: %d appears twice", value)
			}
			seen[value] = struct{}{}
		}
	}
	return nil
}

// Fingerprint is a stable digest of the card's values, used to enforce
// uniqueness across every card ever issued.
func (c Card) Fingerprint() string {
	var b strings.Builder
	for col := 0; col < Size; col++ {
		for row := 0; row < Size; row++ {
			if col > 0 || row > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(c[col][row]))
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// MarshalJSON encodes the card as {"B":[..],"I":[..],...} with null for the
// free space.
func (c Card) MarshalJSON() ([]byte, error) {
	out := make(map[string][Size]*int, Size)
	for col, label := range Columns {
		var cells [Size]*int
		for row := 0; row < Size; row++ {
			if IsFree(col, row) {
				continue
			}
			value := c[col][row]
			cells[row] = &value
		}
		out[label] = cells
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (c *Card) UnmarshalJSON(data []byte) error {
	var in map[string][]*int
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var card Card
	for col, label := range Columns {
		cells, ok := in[label]
		if !ok || len(cells) != Size {
			return fmt.Errorf("bingo: column %s must have %d cells", label, Size)
		}
		for row, cell := range cells {
			if cell != nil {
				card[col][row] = *cell
			}
		}
	}
	*c = card
	return nil
}

// Generator produces random cards. The zero value is usable.
type Generator struct {
	// MaxAttempts bounds the uniqueness retries. Zero means 1000.
	MaxAttempts int

	perm func(n int) []int
}

// NewGenerator returns a generator drawing from the given source. A nil
// source uses the package-level math/rand/v2 functions, which are safe for
// concurrent use; an explicit *rand.Rand is not.
func NewGenerator(maxAttempts int, src *rand.Rand) *Generator {
	g := &Generator{MaxAttempts: maxAttempts}
	if src != nil {
		g.perm = src.Perm
	}
	return g
}

// Random builds one card without any uniqueness check.
func (g *Generator) Random() Card {
	perm := rand.Perm
	if g != nil && g.perm != nil {
		perm = g.perm
	}
	var card Card
	for col := 0; col < Size; col++ {
		lo, _ := ColumnRange(col)
		picks := perm(columnSpan)[:Size]
		for row, offset := range picks {
			card[col][row] = lo + offset
		}
	}
	card[freeColumn][freeRow] = FreeSpace
	return card
}

// Generate returns a card for which taken reports false. taken is consulted
// with every candidate, so it must answer against the full card history.
func (g *Generator) Generate(taken func(Card) (bool, error)) (Card, error) {
	attempts := 1000
	if g != nil && g.MaxAttempts > 0 {
		attempts = g.MaxAttempts
	}
	for i := 0; i < attempts; i++ {
		card := g.Random()
		exists, err := taken(card)
		if err != nil {
			return Card{}, err
		}
		if !exists {
			return card, nil
		}
	}
	return Card{}, ErrExhausted
}
