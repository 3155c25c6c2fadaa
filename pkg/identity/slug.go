package identity

import (
	"crypto/rand"
)

// slugAlphabet drops 0, O, 1 and l to keep IDs unambiguous when read aloud
// or typed from a terminal.
const slugAlphabet = "23456789abcdefghjkmnpqrstuvwxyz"

const slugLength = 5

// NewSlug returns a short random ID of the form "<prefix>-xxxxx" using the
// restricted alphabet. Used for work items ("wi") and batches ("batch").
func NewSlug(prefix string) string {
	buf := make([]byte, slugLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic("identity: entropy source unavailable: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = slugAlphabet[int(b)%len(slugAlphabet)]
	}
	return prefix + "-" + string(buf)
}
