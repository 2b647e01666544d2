package chat

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// IDProvider issues opaque identifiers for messages and analyses.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// RoomCodeProvider generates candidate 8-digit room codes.
type RoomCodeProvider interface {
	NewCode() (RoomID, error)
}

type randomCodeProvider struct{}

// NewRandomCodeProvider constructs a RoomCodeProvider backed by crypto/rand.
func NewRandomCodeProvider() RoomCodeProvider {
	return &randomCodeProvider{}
}

func (p *randomCodeProvider) NewCode() (RoomID, error) {
	// Uniform over [10000000, 99999999] so the leading digit is never zero.
	offset, err := rand.Int(rand.Reader, big.NewInt(90000000))
	if err != nil {
		return "", err
	}
	return NewRoomID(fmt.Sprintf("%08d", offset.Int64()+10000000))
}
