package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a credential (provider API key, webhook signing secret,
// cron secret) and keeps it out of logs and JSON. String and MarshalJSON both
// return a redacted placeholder; Unmask returns the real value.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value. Only call it at the point the value
// is handed to the HTTP client, the signature verifier or a comparison.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsSet reports whether a non-empty secret was configured.
func (s SecretString) IsSet() bool {
	return s != ""
}
