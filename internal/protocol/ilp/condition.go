package ilp

import (
	"crypto/sha256"
	"crypto/subtle"
)

// Condition returns the execution condition locked by fulfillment.
func Condition(fulfillment [32]byte) [32]byte {
	return sha256.Sum256(fulfillment[:])
}

func VerifyFulfillment(condition, fulfillment [32]byte) bool {
	got := Condition(fulfillment)
	return subtle.ConstantTimeCompare(got[:], condition[:]) == 1
}
