package ids

import (
	"crypto/rand"
	"math/big"
)

// NewName produces a memorable adjective-noun label, e.g. "brisk-otter".
// Names only need to be unique within a provider; NewName does not check
// existing names and nothing here retries on a collision.
func NewName() string {
	return pick(adjectives) + "-" + pick(nouns)
}

// NewNameWithSuffix appends a short random hex suffix, for callers that
// want collision resistance without checking existing names first.
func NewNameWithSuffix() string {
	const hexDigits = "0123456789abcdef"
	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = hexDigits[randIndex(len(hexDigits))]
	}
	return NewName() + "-" + string(suffix)
}

func pick(words []string) string {
	return words[randIndex(len(words))]
}

func randIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand only fails if the OS entropy source is broken.
		panic(err)
	}
	return int(v.Int64())
}
