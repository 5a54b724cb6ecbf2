package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

func redactRecord(rec Record, salt []byte) Record {
	rec.APIKeyID = hashString(rec.APIKeyID, salt)
	rec.Metadata = redactMetadata(rec.Metadata, salt)
	return rec
}

// redactMetadata keeps metadata keys visible and hashes every value.
// Keys alone are enough to answer "was a user id pinned here" without
// storing the id itself.
func redactMetadata(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		payload := map[string]any{
			"metadata_hash":   hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	redacted := make(map[string]string, len(meta))
	for _, k := range keys {
		redacted[k] = hashJSON(meta[k], salt)
	}
	b, _ := json.Marshal(redacted)
	return b
}

func hashJSON(v any, salt []byte) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return hashBytes(raw, salt)
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
