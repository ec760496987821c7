package notary

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var nonceLimit = new(big.Int).Lsh(big.NewInt(1), 64)

func randomNonce() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, nonceLimit)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}
