// Package utils provides utility functions for the embedder.
package utils

import (
	"crypto/rand"
	"math/big"
)

// SecureRandomString generates a cryptographically secure random string of
// the specified length, used to mint the shutdown app-key in the `serve`
// subcommand when none is configured.
func SecureRandomString(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := range result {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		result[i] = charset[num.Int64()]
	}
	return string(result), nil
}
