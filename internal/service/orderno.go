package service

import (
	"crypto/rand"
	"fmt"
)

const (
	orderNoAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	orderNoLength   = 15
)

// NewOrderNo returns a random 15 character [a-z0-9] merchant order number
func NewOrderNo() (string, error) {
	// largest multiple of the alphabet size that fits in a byte
	const limit = 256 - 256%len(orderNoAlphabet)

	out := make([]byte, 0, orderNoLength)
	buf := make([]byte, orderNoLength*2)
	for len(out) < orderNoLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, orderNoAlphabet[int(b)%len(orderNoAlphabet)])
			if len(out) == orderNoLength {
				break
			}
		}
	}
	return string(out), nil
}
