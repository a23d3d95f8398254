//go:build !race

package auth

// DefaultPasswordCost is the production bcrypt work factor.
const DefaultPasswordCost = 12

func passwordHashCost() int {
	return DefaultPasswordCost
}
