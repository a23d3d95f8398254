package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// dummySecret feeds the decoy digest used when no identity matched.
const dummySecret = "decoy-secret-for-unknown-identities"

// PasswordHasher hashes and verifies secrets with bcrypt at a fixed cost.
type PasswordHasher struct {
	cost      int
	dummyOnce sync.Once
	dummy     []byte
	logger    Logger

	generate func(secret []byte, cost int) ([]byte, error)
	compare  func(digest, secret []byte) error
}

// NewPasswordHasher returns a hasher using cost, or the build default when
// cost is zero.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost == 0 {
		cost = passwordHashCost()
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &PasswordHasher{
		cost:     cost,
		logger:   defLogger{},
		generate: bcrypt.GenerateFromPassword,
		compare:  bcrypt.CompareHashAndPassword,
	}
}

func (h *PasswordHasher) WithLogger(logger Logger) *PasswordHasher {
	h.logger = normalizeLogger(logger)
	return h
}

// Cost returns the bcrypt work factor in use
func (h *PasswordHasher) Cost() int {
	return h.cost
}

// Hash will generate a password hash
func (h *PasswordHasher) Hash(secret string) (string, error) {
	if secret == "" {
		return "", ErrNoEmptyString
	}

	digest, err := h.generate([]byte(secret), h.cost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// Verify reports whether secret matches digest. bcrypt compares the
// recomputed hash in constant time. Malformed digests never match.
func (h *PasswordHasher) Verify(secret, digest string) bool {
	if digest == "" {
		return false
	}
	err := h.compare([]byte(digest), []byte(secret))
	if err == nil {
		return true
	}
	if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		h.logger.Warn("password verify against malformed digest: %v", err)
	}
	return false
}

// VerifyOrDummy verifies secret against digest. With no digest it still runs
// a full comparison against the decoy digest and returns false, so unknown
// identifiers cost the same as wrong passwords.
func (h *PasswordHasher) VerifyOrDummy(secret string, digest *string) bool {
	if digest == nil || *digest == "" {
		_ = h.compare(h.dummyDigest(), []byte(secret))
		return false
	}
	return h.Verify(secret, *digest)
}

func (h *PasswordHasher) dummyDigest() []byte {
	h.dummyOnce.Do(func() {
		digest, err := h.generate([]byte(dummySecret), h.cost)
		if err != nil {
			h.logger.Error("failed to compute decoy digest: %v", err)
			return
		}
		h.dummy = digest
	})
	return h.dummy
}
