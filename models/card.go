package models

import (
	"time"

	"openbingo/bingo"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Card struct {
	ID          uint                           `json:"id" gorm:"primaryKey"`
	Numbers     datatypes.JSONType[bingo.Card] `json:"numbers" gorm:"not null"`
	Fingerprint string                         `json:"-" gorm:"size:64;not null;index"`
	CreatedAt   time.Time                      `json:"created_at"`
	UpdatedAt   time.Time                      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt                 `json:"-" gorm:"index"`
}

// NewCard wraps generated numbers for storage.
func NewCard(numbers bingo.Card) *Card {
	return &Card{
		Numbers:     datatypes.NewJSONType(numbers),
		Fingerprint: numbers.Fingerprint(),
	}
}

// CardFingerprint is the append-only history of every card ever issued.
// Cards are deleted with their players; fingerprints never are.
type CardFingerprint struct {
	ID          uint      `gorm:"primaryKey"`
	Fingerprint string    `gorm:"size:64;not null;uniqueIndex"`
	CreatedAt   time.Time `gorm:"not null"`
}
