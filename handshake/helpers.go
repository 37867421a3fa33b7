package handshake

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
)

func hmacSum(h crypto.Hash, key, data []byte) []byte {
	mac := hmac.New(h.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hmacEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func readFullRandom(p []byte) (int, error) {
	return rand.Read(p)
}

func bytesContain(haystack []byte, needle byte) bool {
	for _, b := range haystack {
		if b == needle {
			return true
		}
	}
	return false
}

func uint16sContain(haystack []uint16, needle uint16) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
