//go:build race

package auth

import "golang.org/x/crypto/bcrypt"

// Race builds run hashing several times slower, keep suites within timeouts.
func passwordHashCost() int {
	return bcrypt.DefaultCost
}
