package transfer

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/havenmesh/haven/internal/wordlist"
)

// GenerateCode produces a transfer code of the grammar
// "[0-9]+-<word>-<word>": a uniform [0,100) number and two words drawn
// from the frozen dictionary. No uniqueness check is performed; the
// sender address disambiguates collisions on the receive side.
func GenerateCode() string {
	n := randomN(100)
	a := wordlist.Words[randomN(len(wordlist.Words))]
	b := wordlist.Words[randomN(len(wordlist.Words))]
	return fmt.Sprintf("%d-%s-%s", n, a, b)
}

func randomN(n int) int {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// shortCode truncates a transfer code to its leading "<num>-<word>"
// prefix for log lines: full codes are unwieldy once embedded in
// structured logs.
func shortCode(code string) string {
	firstDash := -1
	seen := 0
	for i, r := range code {
		if r == '-' {
			seen++
			if seen == 2 {
				firstDash = i
				break
			}
		}
	}
	if firstDash == -1 {
		return code
	}
	return code[:firstDash]
}
