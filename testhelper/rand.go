// Package testhelper provides fixtures shared by kachery's package tests:
// random byte/string generators, a temp storage root, and a fake HTTP
// remote implementing the check/get/set protocol of the remote package.
package testhelper

import (
	"crypto/rand"
	"io"
	"math/big"
)

const (
	allChars    = "abcdefghijklmnopqrstuvwxyz0123456789"
	base16Chars = "0123456789abcdef"
)

func randChars(n int, charSet string, r io.Reader) (string, error) {
	ret := make([]byte, n)

	for i := range n {
		num, err := rand.Int(r, big.NewInt(int64(len(charSet))))
		if err != nil {
			return "", err
		}

		ret[i] = charSet[num.Int64()]
	}

	return string(ret), nil
}

// RandString returns a random string of length n using crypto/rand.Reader as
// the random reader.
func RandString(n int) (string, error) { return randChars(n, allChars, rand.Reader) }

// MustRandString returns the string returned by RandString. If RandString
// returns an error, it will panic.
func MustRandString(n int) string {
	str, err := RandString(n)
	if err != nil {
		panic(err)
	}

	return str
}

// RandHexHash returns a random lowercase hex string of length n, suitable
// as a fake sha1 (n=40) or md5 (n=32) digest in tests that don't care about
// content, only about a well-formed hash.
func RandHexHash(n int) (string, error) { return randChars(n, base16Chars, rand.Reader) }

// MustRandHexHash returns the string returned by RandHexHash. If
// RandHexHash returns an error, it will panic.
func MustRandHexHash(n int) string {
	str, err := RandHexHash(n)
	if err != nil {
		panic(err)
	}

	return str
}

// RandBytes returns n random bytes, e.g. as fixture file content for
// store/load round-trip tests.
func RandBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// MustRandBytes returns the bytes returned by RandBytes. If RandBytes
// returns an error, it will panic.
func MustRandBytes(n int) []byte {
	buf, err := RandBytes(n)
	if err != nil {
		panic(err)
	}

	return buf
}
