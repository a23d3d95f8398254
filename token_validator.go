package auth

// TokenDecoder verifies a raw access token and returns its claims.
type TokenDecoder interface {
	Decode(token string) (*AccessClaims, error)
}

// TokenDecoderFunc adapts a function into a TokenDecoder.
type TokenDecoderFunc func(token string) (*AccessClaims, error)

func (f TokenDecoderFunc) Decode(token string) (*AccessClaims, error) {
	if f == nil {
		return nil, ErrInvalidToken
	}
	return f(token)
}

// MultiTokenDecoder tries decoders in order until one accepts the token.
// It lets tokens signed with a retired key verify until they expire.
type MultiTokenDecoder struct {
	decoders []TokenDecoder
}

// NewMultiTokenDecoder drops nil decoders.
func NewMultiTokenDecoder(decoders ...TokenDecoder) *MultiTokenDecoder {
	filtered := make([]TokenDecoder, 0, len(decoders))
	for _, d := range decoders {
		if d != nil {
			filtered = append(filtered, d)
		}
	}
	return &MultiTokenDecoder{decoders: filtered}
}

// Decode returns the first successful result. When every decoder rejects
// the token the last error is returned.
func (m *MultiTokenDecoder) Decode(token string) (*AccessClaims, error) {
	var lastErr error
	for _, d := range m.decoders {
		claims, err := d.Decode(token)
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrInvalidToken
}

// NewRotatingDecoder verifies with primary first, then with each of the
// verification only keys in opts.PreviousSigningKeys. Tokens are only ever
// issued with the primary key.
func NewRotatingDecoder(primary TokenDecoder, opts *Options, logger Logger) *MultiTokenDecoder {
	decoders := []TokenDecoder{primary}
	if opts == nil {
		return NewMultiTokenDecoder(decoders...)
	}
	for _, key := range opts.PreviousSigningKeys {
		if key == "" || key == opts.SigningKey {
			continue
		}
		decoders = append(decoders, NewTokenService(
			[]byte(key),
			opts.AccessTokenTTL,
			opts.Issuer,
			opts.Audience,
			logger,
		))
	}
	return NewMultiTokenDecoder(decoders...)
}
