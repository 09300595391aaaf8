package channels

import (
	"context"
	"crypto/subtle"

	"github.com/polyrelay/polyrelay/pkg/apierr"
)

// Resolver maps inbound custom keys to channels. Key comparison runs in
// constant time over every stored channel so response timing cannot be
// used to probe for valid keys.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the channel for a custom key with its credential
// decrypted, or a typed auth failure. The returned value is a copy; the
// stored record keeps the credential encrypted.
func (r *Resolver) Resolve(ctx context.Context, customKey string) (*Channel, error) {
	if customKey == "" {
		return nil, apierr.AuthMissing()
	}

	all, err := r.store.List(ctx)
	if err != nil {
		return nil, apierr.Internal(err)
	}

	key := []byte(customKey)
	var match *Channel
	for _, ch := range all {
		if subtle.ConstantTimeCompare([]byte(ch.CustomKey), key) == 1 {
			match = ch
		}
	}
	if match == nil {
		return nil, apierr.AuthUnknown()
	}
	if !match.Enabled {
		return nil, apierr.ChannelDisabled()
	}

	plaintext, err := r.store.Cipher().Decrypt(match.APIKey)
	if err != nil {
		return nil, apierr.Internal(err)
	}

	resolved := *match
	resolved.APIKey = plaintext
	return &resolved, nil
}
