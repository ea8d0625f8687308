package stores

import (
	"encoding/json"
	"fmt"

	"github.com/panyam/centralauth"
)

// EncodeRecord serializes a record as JSON, sealed when s is non-nil.
// The credential key is bound in as additional data so a sealed record
// copied under another key does not open.
func EncodeRecord(s *Sealer, key string, rec *centralauth.TokenRecord) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode token record: %w", err)
	}
	return s.Seal(data, []byte(key))
}

// DecodeRecord reverses EncodeRecord
func DecodeRecord(s *Sealer, key string, data []byte) (*centralauth.TokenRecord, error) {
	plain, err := s.Open(data, []byte(key))
	if err != nil {
		return nil, err
	}
	var rec centralauth.TokenRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode token record: %w", err)
	}
	if rec.AccessToken == "" || !rec.ExpiresAt.After(rec.CachedAt) {
		return nil, fmt.Errorf("token record is incomplete")
	}
	return &rec, nil
}
