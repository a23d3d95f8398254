package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation"
)

const (
	MinPasswordLength = 12
	MaxPasswordLength = 128

	// DefaultTemporaryPasswordLength is used for admin resets.
	DefaultTemporaryPasswordLength = 24
)

const (
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars   = "0123456789"
	specialChars = "!@#$%^&*"
)

// ValidatePasswordStrength enforces the password policy: at least 12
// characters with upper, lower, digit and special characters.
func ValidatePasswordStrength(password string) error {
	err := validation.Validate(password,
		validation.Required,
		validation.Length(MinPasswordLength, MaxPasswordLength),
		validation.By(requireClass("an uppercase letter", unicode.IsUpper)),
		validation.By(requireClass("a lowercase letter", unicode.IsLower)),
		validation.By(requireClass("a digit", unicode.IsDigit)),
		validation.By(requireClass("a special character", isSpecial)),
	)
	if err != nil {
		return NewWeakPasswordError(err.Error())
	}
	return nil
}

func requireClass(label string, match func(rune) bool) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if strings.IndexFunc(s, match) < 0 {
			return fmt.Errorf("must contain %s", label)
		}
		return nil
	}
}

func isSpecial(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r)
}

// GenerateTemporaryPassword returns a random password of the given length
// that always satisfies ValidatePasswordStrength.
func GenerateTemporaryPassword(length int) (string, error) {
	if length < MinPasswordLength {
		length = MinPasswordLength
	}

	classes := []string{lowerChars, upperChars, digitChars, specialChars}
	all := strings.Join(classes, "")

	out := make([]byte, 0, length)
	for _, set := range classes {
		c, err := randomChar(set)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	for len(out) < length {
		c, err := randomChar(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	// Fisher-Yates so the guaranteed characters are not always up front.
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		k := int(j.Int64())
		out[i], out[k] = out[k], out[i]
	}

	return string(out), nil
}

func randomChar(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, err
	}
	return set[n.Int64()], nil
}
