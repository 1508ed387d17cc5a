package provider

import (
	"crypto/rand"
	"fmt"
)

// maxUnbiasedByte is the largest byte value rejection sampling keeps: 250
// is the largest multiple of 10 that still fits in a byte, so bytes 0-249
// map onto digits 0-9 with exactly equal probability and bytes ≥ 250 are
// discarded and re-drawn.
const maxUnbiasedByte = 250

// RandomDigits returns an n-digit numeric code using rejection sampling
// over single random bytes, per spec §4.5's email-code provider: biased
// modular reduction (b % 10) would make digits 0-5 slightly more likely
// than 6-9 for byte values above 250, so bytes landing there are redrawn
// instead.
func RandomDigits(n int) (string, error) {
	buf := make([]byte, 1)
	digits := make([]byte, n)
	for i := 0; i < n; i++ {
		for {
			if _, err := rand.Read(buf); err != nil {
				return "", fmt.Errorf("provider: read random byte: %w", err)
			}
			if buf[0] < maxUnbiasedByte {
				digits[i] = '0' + buf[0]%10
				break
			}
		}
	}
	return string(digits), nil
}
