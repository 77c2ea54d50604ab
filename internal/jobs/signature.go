package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
)

// Signature is the idempotency key of a job: sha256 over the job type and the
// canonical JSON of its payload, prefixed by the type. Object keys are sorted
// by encoding/json; string lists are sorted and deduplicated so that requests
// naming the same ids in a different order collide.
func Signature(jobType string, payload any) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("job signature: %w", err)
	}
	sum := sha256.New()
	sum.Write([]byte(jobType))
	sum.Write([]byte{0})
	sum.Write(canonical)
	return jobType + ":" + hex.EncodeToString(sum.Sum(nil)), nil
}

// payloadMap round-trips payload through JSON into a generic map.
func payloadMap(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return out, nil
}

func canonicalJSON(payload any) ([]byte, error) {
	m, err := payloadMap(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalize(m))
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		strs := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				break
			}
			strs = append(strs, s)
		}
		if len(strs) == len(t) {
			slices.Sort(strs)
			strs = slices.Compact(strs)
			out := make([]any, len(strs))
			for i, s := range strs {
				out[i] = s
			}
			return out
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
