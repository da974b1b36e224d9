package events

import (
	"encoding/json"
	"regexp"
)

// MaskedValue replaces sensitive values in logs and event payloads.
const MaskedValue = "__MASKED__"

// sensitiveKeyPattern classifies config keys whose values must never leave
// the store in clear text.
var sensitiveKeyPattern = regexp.MustCompile(`(KEY|SECRET|TOKEN|PASSWORD)`)

// IsSensitiveKey reports whether a config key's value must be masked.
func IsSensitiveKey(key string) bool {
	return sensitiveKeyPattern.MatchString(key)
}

// RedactEnv returns a copy of env with sensitive values masked. The input
// map is not modified.
func RedactEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if IsSensitiveKey(k) && v != "" {
			out[k] = MaskedValue
		} else {
			out[k] = v
		}
	}
	return out
}

// RedactPayload masks the values of sensitive keys anywhere in a JSON
// payload. Non-object payloads and payloads that fail to parse are returned
// unchanged; the caller decides whether to store them.
func RedactPayload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return raw
	}
	redacted, changed := redactValue(decoded)
	if !changed {
		return raw
	}
	out, err := json.Marshal(redacted)
	if err != nil {
		return raw
	}
	return out
}

func redactValue(v interface{}) (interface{}, bool) {
	switch val := v.(type) {
	case map[string]interface{}:
		changed := false
		for k, inner := range val {
			if IsSensitiveKey(k) {
				if s, ok := inner.(string); !ok || s != "" {
					val[k] = MaskedValue
					changed = true
				}
				continue
			}
			replaced, ch := redactValue(inner)
			if ch {
				val[k] = replaced
				changed = true
			}
		}
		return val, changed
	case []interface{}:
		changed := false
		for i, inner := range val {
			replaced, ch := redactValue(inner)
			if ch {
				val[i] = replaced
				changed = true
			}
		}
		return val, changed
	default:
		return v, false
	}
}
