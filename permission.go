package auth

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
)

const (
	permissionSeparator = ":"
	permissionWildcard  = "*"
)

var permissionKeyPattern = regexp.MustCompile(`^(\*|[a-z][a-z0-9_]*(:([a-z][a-z0-9_]*|\*))*\*?)$`)

// PermissionMatch names the rule that granted a permission.
type PermissionMatch string

const (
	MatchExact              PermissionMatch = "exact"
	MatchGlobalWildcard     PermissionMatch = "global_wildcard"
	MatchPrefixWildcard     PermissionMatch = "prefix_wildcard"
	MatchPositionalWildcard PermissionMatch = "positional_wildcard"
)

// PermissionRule decides if a single granted key covers the required one.
type PermissionRule interface {
	Kind() PermissionMatch
	Matches(granted, required string) bool
}

// ExactRule matches identical keys.
type ExactRule struct{}

func (ExactRule) Kind() PermissionMatch { return MatchExact }

func (ExactRule) Matches(granted, required string) bool {
	return granted == required
}

// GlobalWildcardRule is the superuser grant "*".
type GlobalWildcardRule struct{}

func (GlobalWildcardRule) Kind() PermissionMatch { return MatchGlobalWildcard }

func (GlobalWildcardRule) Matches(granted, _ string) bool {
	return granted == permissionWildcard
}

// PrefixWildcardRule covers grants such as "hotel:*" or "hotel:rooms*".
// The granted key must have strictly fewer segments than the required one
// and its non-wildcard prefix must equal the required key's prefix.
type PrefixWildcardRule struct{}

func (PrefixWildcardRule) Kind() PermissionMatch { return MatchPrefixWildcard }

func (PrefixWildcardRule) Matches(granted, required string) bool {
	if granted == permissionWildcard || !strings.HasSuffix(granted, permissionWildcard) {
		return false
	}

	grantedParts := strings.Split(granted, permissionSeparator)
	requiredParts := strings.Split(required, permissionSeparator)
	if len(grantedParts) >= len(requiredParts) {
		return false
	}

	prefix := grantedParts[:len(grantedParts)-1]
	if last := strings.TrimSuffix(grantedParts[len(grantedParts)-1], permissionWildcard); last != "" {
		prefix = append(prefix[:len(prefix):len(prefix)], last)
	}

	for i, part := range prefix {
		if part != requiredParts[i] {
			return false
		}
	}
	return true
}

// PositionalWildcardRule covers grants like "tenant:*:read" where each
// "*" segment matches exactly one segment of an equally long key.
type PositionalWildcardRule struct{}

func (PositionalWildcardRule) Kind() PermissionMatch { return MatchPositionalWildcard }

func (PositionalWildcardRule) Matches(granted, required string) bool {
	if !strings.Contains(granted, permissionWildcard) {
		return false
	}

	grantedParts := strings.Split(granted, permissionSeparator)
	requiredParts := strings.Split(required, permissionSeparator)
	if len(grantedParts) != len(requiredParts) {
		return false
	}

	for i, part := range grantedParts {
		if part != permissionWildcard && part != requiredParts[i] {
			return false
		}
	}
	return true
}

// permissionRules is evaluated in order, the first match wins.
var permissionRules = []PermissionRule{
	ExactRule{},
	GlobalWildcardRule{},
	PrefixWildcardRule{},
	PositionalWildcardRule{},
}

// MatchPermission returns the rule and grant that satisfy required, if any.
func MatchPermission(granted []string, required string) (PermissionMatch, string, bool) {
	if required == "" {
		return "", "", false
	}
	for _, rule := range permissionRules {
		for _, g := range granted {
			if rule.Matches(g, required) {
				return rule.Kind(), g, true
			}
		}
	}
	return "", "", false
}

// HasPermission reports whether any granted key covers required.
func HasPermission(granted []string, required string) bool {
	_, _, ok := MatchPermission(granted, required)
	return ok
}

// ValidatePermissionKey normalizes key and checks it against the grant
// grammar. It is applied when grants are created, not when they are checked.
func ValidatePermissionKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	err := validation.Validate(key,
		validation.Required,
		validation.Match(permissionKeyPattern),
	)
	if err != nil {
		return "", NewInvalidPermissionKeyError(key, err.Error())
	}
	if strings.HasSuffix(key, "**") {
		return "", NewInvalidPermissionKeyError(key, "repeated wildcard")
	}
	return key, nil
}

// EnsureScopeMatch rejects assigning a role to an identity of another class.
func EnsureScopeMatch(roleClass, identityClass IdentityClass) error {
	if roleClass != identityClass {
		return ErrCrossScopeAssignment
	}
	return nil
}

// EnsurePermissionScope rejects granting key to a role of another class.
// The leading segment must name the role class and the bare "*" is only
// granted to platform roles.
func EnsurePermissionScope(roleClass IdentityClass, key string) error {
	scope, ok := permissionScope(key)
	if !ok || scope != roleClass {
		return ErrCrossScopeAssignment
	}
	return nil
}

// permissionScope returns the class a key belongs to.
func permissionScope(key string) (IdentityClass, bool) {
	if key == permissionWildcard {
		return IdentityClassPlatform, true
	}
	head, _, _ := strings.Cut(key, permissionSeparator)
	class := IdentityClass(strings.TrimSuffix(head, permissionWildcard))
	return class, class.IsValid()
}

// ScopedPermission builds a "{class}:{resource}:{action}" key.
func ScopedPermission(class IdentityClass, resource, action string) string {
	return fmt.Sprintf("%s%s%s%s%s", class, permissionSeparator, resource, permissionSeparator, action)
}

// PermissionSet holds granted keys with set semantics.
type PermissionSet map[string]struct{}

func NewPermissionSet(codes ...string) PermissionSet {
	set := make(PermissionSet, len(codes))
	for _, code := range codes {
		if code = strings.TrimSpace(code); code != "" {
			set[code] = struct{}{}
		}
	}
	return set
}

func (s PermissionSet) Add(codes ...string) {
	for _, code := range codes {
		if code = strings.TrimSpace(code); code != "" {
			s[code] = struct{}{}
		}
	}
}

// Contains is a literal membership test, no wildcard expansion.
func (s PermissionSet) Contains(code string) bool {
	_, ok := s[code]
	return ok
}

// Has evaluates required against every grant in the set.
func (s PermissionSet) Has(required string) bool {
	if len(s) == 0 {
		return false
	}
	if s.Contains(required) {
		return true
	}
	return HasPermission(s.Codes(), required)
}

// Codes returns the grants sorted for stable output.
func (s PermissionSet) Codes() []string {
	out := make([]string, 0, len(s))
	for code := range s {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func (s PermissionSet) Len() int {
	return len(s)
}
