package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const IDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var alphabetSize = big.NewInt(int64(len(IDAlphabet)))

// RandomID draws a length uniformly from [lo, hi] and fills it from IDAlphabet.
func RandomID(lo, hi int) (string, error) {
	if lo < 1 || hi < lo {
		return "", errors.Errorf("bad id length bounds [%d, %d]", lo, hi)
	}
	n := lo
	if hi > lo {
		span, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo+1)))
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		n += int(span.Int64())
	}
	buf := make([]byte, n)
	for i := range buf {
		k, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		buf[i] = IDAlphabet[k.Int64()]
	}
	return string(buf), nil
}

// IsID reports whether s could have been produced by RandomID.
func IsID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
