package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"github.com/google/uuid"
)

const (
	// RefreshSecretVersion prefixes every refresh secret we mint.
	RefreshSecretVersion = "v1"

	refreshSecretEntropy = 48
)

// RefreshSecret is the parsed form of "{version}.{tenant_uuid}.{random}".
// Platform identities without a tenant carry the nil UUID.
type RefreshSecret struct {
	Version  string
	TenantID uuid.UUID
	Random   string
}

func (s RefreshSecret) String() string {
	return s.Version + "." + s.TenantID.String() + "." + s.Random
}

// NewRefreshSecret mints a raw secret routed to tenant.
func NewRefreshSecret(tenant uuid.UUID) (string, error) {
	buf := make([]byte, refreshSecretEntropy)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return RefreshSecret{
		Version:  RefreshSecretVersion,
		TenantID: tenant,
		Random:   base64.RawURLEncoding.EncodeToString(buf),
	}.String(), nil
}

// ParseRefreshSecret splits a raw secret. Legacy secrets do not parse and
// are looked up by hash alone.
func ParseRefreshSecret(raw string) (RefreshSecret, bool) {
	parts := strings.SplitN(raw, ".", 3)
	if len(parts) != 3 || parts[0] != RefreshSecretVersion || parts[2] == "" {
		return RefreshSecret{}, false
	}
	tenant, err := uuid.Parse(parts[1])
	if err != nil {
		return RefreshSecret{}, false
	}
	return RefreshSecret{Version: parts[0], TenantID: tenant, Random: parts[2]}, true
}

// SecretHasher derives the lookup hash persisted for a refresh secret. With
// a pepper it is an HMAC, otherwise a plain SHA-256.
type SecretHasher struct {
	pepper []byte
}

func NewSecretHasher(pepper string) SecretHasher {
	return SecretHasher{pepper: []byte(pepper)}
}

func (h SecretHasher) Hash(raw string) string {
	if len(h.pepper) == 0 {
		sum := sha256.Sum256([]byte(raw))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}
