package util

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

const usernameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomUsername returns "user_" followed by six random lowercase letters or
// digits.
func RandomUsername() string {
	var b strings.Builder
	b.WriteString("user_")
	limit := big.NewInt(int64(len(usernameAlphabet)))
	for i := 0; i < 6; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is gone.
			panic(err)
		}
		b.WriteByte(usernameAlphabet[n.Int64()])
	}
	return b.String()
}
