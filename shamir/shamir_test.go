package shamir

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldArithmetic(t *testing.T) {
	// AES field vectors (polynomial x^8 + x^4 + x^3 + x + 1).
	assert.Equal(t, byte(0x01), mult(0x53, 0xCA), "0x53 * 0xCA should be the multiplicative identity")
	assert.Equal(t, byte(0xFE), mult(0x57, 0x13), "FIPS-197 example product")
	assert.Equal(t, byte(0x15), mult(0x02, 0x87), "doubling with reduction")
	assert.Equal(t, byte(0x00), mult(0x00, 0xFF), "zero annihilates")
	assert.Equal(t, byte(0x09), add(0x0C, 0x05), "addition is xor")

	for i := 1; i < 256; i++ {
		b := byte(i)
		assert.Equal(t, byte(1), div(b, b), "x/x should be 1 for x=%#x", b)
		assert.Equal(t, byte(0), div(0, b), "0/x should be 0 for x=%#x", b)
	}
}

func TestSplitCombineRoundTrip(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	for parts := 1; parts <= 10; parts++ {
		for threshold := 1; threshold <= parts; threshold++ {
			shares, err := Split(secret, parts, threshold)
			require.NoError(t, err, "split with parts=%d threshold=%d", parts, threshold)
			require.Len(t, shares, parts)

			for _, s := range shares {
				assert.Len(t, s, len(secret)+ShareOverhead, "share length should be secret length plus tag")
				assert.NotZero(t, s[len(secret)], "x-coordinate must be nonzero")
			}

			// Exactly threshold shares reconstruct.
			got, err := Combine(shares[:threshold])
			require.NoError(t, err)
			assert.Equal(t, secret, got, "threshold shares should reconstruct (parts=%d threshold=%d)", parts, threshold)

			// Extra shares do not hurt.
			got, err = Combine(shares)
			require.NoError(t, err)
			assert.Equal(t, secret, got, "all shares should reconstruct")
		}
	}
}

func TestThresholdOneShareIsStandalone(t *testing.T) {
	secret := []byte("top-secret-material")
	shares, err := Split(secret, 5, 1)
	require.NoError(t, err)

	for _, s := range shares {
		got, err := Combine([][]byte{s})
		require.NoError(t, err)
		assert.Equal(t, secret, got, "a single share reconstructs when threshold is 1")
	}
}

func TestBelowThresholdRevealsNothing(t *testing.T) {
	secret := make([]byte, 16)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	shares, err := Split(secret, 5, 3)
	require.NoError(t, err)

	got, err := Combine(shares[:2])
	require.NoError(t, err)
	assert.False(t, bytes.Equal(secret, got), "two of three shares should not reconstruct the secret")
}

func TestSplitValidation(t *testing.T) {
	secret := []byte("s")

	_, err := Split(nil, 3, 2)
	assert.ErrorIs(t, err, ErrEmptySecret)

	_, err = Split(secret, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidParts, "zero parts")

	_, err = Split(secret, 256, 2)
	assert.ErrorIs(t, err, ErrInvalidParts, "too many parts")

	_, err = Split(secret, 3, 4)
	assert.ErrorIs(t, err, ErrInvalidParts, "threshold above parts")

	_, err = Split(secret, 3, 0)
	assert.ErrorIs(t, err, ErrInvalidParts, "zero threshold")
}

func TestCombineValidation(t *testing.T) {
	_, err := Combine(nil)
	assert.ErrorIs(t, err, ErrInvalidShares, "no shares")

	_, err = Combine([][]byte{{0x01}})
	assert.ErrorIs(t, err, ErrInvalidShares, "share too short")

	_, err = Combine([][]byte{{0x01, 0x02, 0x03}, {0x01, 0x02}})
	assert.ErrorIs(t, err, ErrInvalidShares, "mismatched lengths")

	_, err = Combine([][]byte{{0x01, 0x05}, {0x02, 0x05}})
	assert.ErrorIs(t, err, ErrInvalidShares, "duplicate x-coordinate")

	_, err = Combine([][]byte{{0x01, 0x00}})
	assert.ErrorIs(t, err, ErrInvalidShares, "reserved x-coordinate")
}

func TestSharesAreDistinct(t *testing.T) {
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	shares, err := Split(secret, 10, 5)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, s := range shares {
		assert.False(t, seen[string(s)], "shares should be pairwise distinct")
		seen[string(s)] = true
	}
}
