package centralauth

import "context"

// TokenStore persists the most recent token per credential key.
//
// Load never fails: a missing, corrupt or unreadable record comes back as nil,
// which the TokenManager treats as "nothing cached". Save must be atomic so a
// concurrent Load sees either the previous record or the new one.
type TokenStore interface {
	Load(ctx context.Context, key string) *TokenRecord
	Save(ctx context.Context, key string, rec *TokenRecord) error
	Delete(ctx context.Context, key string) error
}

// NoopTokenStore keeps nothing. Useful for static tokens and tests.
type NoopTokenStore struct{}

func (NoopTokenStore) Load(context.Context, string) *TokenRecord        { return nil }
func (NoopTokenStore) Save(context.Context, string, *TokenRecord) error { return nil }
func (NoopTokenStore) Delete(context.Context, string) error             { return nil }
