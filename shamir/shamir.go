// Package shamir implements Shamir's Secret Sharing over GF(2^8).
//
// A secret of length L splits into shares of length L+1: byte i of a
// share is the evaluation of a random degree-(threshold-1) polynomial
// whose constant term is secret byte i, and the final byte is the share's
// x-coordinate. Any threshold shares reconstruct the secret by Lagrange
// interpolation at x=0; fewer reveal nothing.
//
// Field arithmetic uses the AES polynomial (x^8 + x^4 + x^3 + x + 1) and
// is branch-free on secret data.
package shamir

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
)

const (
	// ShareOverhead is the byte count appended to the secret length for
	// each share (the x-coordinate tag).
	ShareOverhead = 1

	// MaxParts bounds the share count; x-coordinates are nonzero bytes.
	MaxParts = 255
)

var (
	// ErrEmptySecret is returned when asked to split a zero-length secret.
	ErrEmptySecret = errors.New("cannot split an empty secret")

	// ErrInvalidParts is returned when the parts/threshold pair is out of range.
	ErrInvalidParts = errors.New("invalid parts/threshold")

	// ErrInvalidShares is returned when shares passed to Combine are
	// missing, mismatched in length, or duplicated.
	ErrInvalidShares = errors.New("invalid shares")
)

// polynomial is a random polynomial of the given degree with a fixed
// constant term (the intercept).
type polynomial struct {
	coefficients []byte
}

func makePolynomial(intercept byte, degree int) (polynomial, error) {
	p := polynomial{coefficients: make([]byte, degree+1)}
	p.coefficients[0] = intercept
	if _, err := rand.Read(p.coefficients[1:]); err != nil {
		return p, fmt.Errorf("failed to generate polynomial coefficients: %w", err)
	}
	return p, nil
}

// evaluate computes p(x) via Horner's method.
func (p polynomial) evaluate(x byte) byte {
	if x == 0 {
		return p.coefficients[0]
	}
	degree := len(p.coefficients) - 1
	out := p.coefficients[degree]
	for i := degree - 1; i >= 0; i-- {
		out = add(mult(out, x), p.coefficients[i])
	}
	return out
}

// add in GF(2^8) is xor.
func add(a, b byte) byte {
	return a ^ b
}

// mult multiplies in GF(2^8) modulo x^8 + x^4 + x^3 + x + 1, branch-free.
func mult(a, b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		// Conditionally accumulate a when the low bit of b is set.
		r ^= a & byte(-(b & 1))
		// Conditionally reduce after doubling a.
		carry := byte(-(a >> 7))
		a = (a << 1) ^ (carry & 0x1b)
		b >>= 1
	}
	return r
}

// div divides in GF(2^8) by multiplying with the inverse, a^254.
func div(a, b byte) byte {
	if b == 0 {
		panic("divide by zero")
	}
	// b^254 == b^-1 by Fermat (field order 256). Square-and-multiply over
	// the fixed exponent keeps this branch-free.
	inv := b
	for i := 0; i < 6; i++ {
		inv = mult(inv, inv)
		inv = mult(inv, b)
	}
	inv = mult(inv, inv)

	ret := mult(a, inv)
	// a == 0 must yield 0 even though 0 has no inverse.
	zero := byte(subtle.ConstantTimeByteEq(a, 0) - 1)
	return ret & zero
}

// interpolate evaluates the unique polynomial through the given sample
// points at x, using Lagrange basis polynomials.
func interpolate(xSamples, ySamples []byte, x byte) byte {
	limit := len(xSamples)
	var result byte
	for i := 0; i < limit; i++ {
		basis := byte(1)
		for j := 0; j < limit; j++ {
			if i == j {
				continue
			}
			num := add(x, xSamples[j])
			denom := add(xSamples[i], xSamples[j])
			basis = mult(basis, div(num, denom))
		}
		result = add(result, mult(ySamples[i], basis))
	}
	return result
}

// Split divides secret into parts shares, any threshold of which can
// reconstruct it. Shares are secret-length+1 bytes with the x-coordinate
// in the trailing byte. Threshold 1 is permitted: every share then equals
// the secret itself plus a tag.
func Split(secret []byte, parts, threshold int) ([][]byte, error) {
	switch {
	case len(secret) == 0:
		return nil, ErrEmptySecret
	case parts < 1 || parts > MaxParts:
		return nil, fmt.Errorf("%w: parts must be in [1,%d], got %d", ErrInvalidParts, MaxParts, parts)
	case threshold < 1 || threshold > parts:
		return nil, fmt.Errorf("%w: threshold must be in [1,%d], got %d", ErrInvalidParts, parts, threshold)
	}

	// Distinct nonzero x-coordinates via a partial Fisher-Yates shuffle
	// of 1..255. Zero is reserved for the secret itself.
	xCoords := make([]byte, MaxParts)
	for i := range xCoords {
		xCoords[i] = byte(i + 1)
	}
	for i := 0; i < parts; i++ {
		j, err := randIntn(MaxParts - i)
		if err != nil {
			return nil, err
		}
		xCoords[i], xCoords[i+j] = xCoords[i+j], xCoords[i]
	}

	out := make([][]byte, parts)
	for i := range out {
		out[i] = make([]byte, len(secret)+ShareOverhead)
		out[i][len(secret)] = xCoords[i]
	}

	for idx, val := range secret {
		p, err := makePolynomial(val, threshold-1)
		if err != nil {
			return nil, err
		}
		for i := 0; i < parts; i++ {
			out[i][idx] = p.evaluate(xCoords[i])
		}
	}
	return out, nil
}

// Combine reconstructs the secret from at least threshold shares. Passing
// extra shares is fine; passing fewer than the original threshold yields
// garbage, which callers must detect via their own verification.
func Combine(shares [][]byte) ([]byte, error) {
	if len(shares) < 1 {
		return nil, fmt.Errorf("%w: no shares provided", ErrInvalidShares)
	}
	shareLen := len(shares[0])
	if shareLen < ShareOverhead+1 {
		return nil, fmt.Errorf("%w: shares are too short", ErrInvalidShares)
	}
	for _, s := range shares {
		if len(s) != shareLen {
			return nil, fmt.Errorf("%w: shares differ in length", ErrInvalidShares)
		}
	}

	secretLen := shareLen - ShareOverhead
	xSamples := make([]byte, len(shares))
	ySamples := make([]byte, len(shares))

	seen := make(map[byte]bool, len(shares))
	for i, s := range shares {
		x := s[secretLen]
		if x == 0 {
			return nil, fmt.Errorf("%w: share has reserved x-coordinate", ErrInvalidShares)
		}
		if seen[x] {
			return nil, fmt.Errorf("%w: duplicate share", ErrInvalidShares)
		}
		seen[x] = true
		xSamples[i] = x
	}

	secret := make([]byte, secretLen)
	for idx := range secret {
		for i, s := range shares {
			ySamples[i] = s[idx]
		}
		secret[idx] = interpolate(xSamples, ySamples, 0)
	}
	return secret, nil
}

// randIntn returns a uniform random int in [0, n) from crypto/rand.
func randIntn(n int) (int, error) {
	if n <= 1 {
		return 0, nil
	}
	// Rejection sampling over a single byte; n never exceeds 255 here.
	max := 256 - (256 % n)
	var b [1]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("failed to read random bytes: %w", err)
		}
		if int(b[0]) < max {
			return int(b[0]) % n, nil
		}
	}
}
