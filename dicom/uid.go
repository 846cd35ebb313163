package dicom

import (
	"math/big"

	"github.com/google/uuid"
)

// NewUID returns a UUID-derived UID under the 2.25 root.
func NewUID() string {
	u := uuid.New()
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}
