package config

import "log/slog"

const redacted = "***REDACTED***"

// SecretString holds a credential loaded from the environment or a *_FILE
// secret, such as CDSE_CLIENT_SECRET. Every text, JSON and slog rendering
// prints a placeholder so configuration can be dumped and logged as a whole.
type SecretString string

func (s SecretString) String() string   { return redacted }
func (s SecretString) GoString() string { return redacted }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// LogValue keeps the value out of slog records even when the handler would
// otherwise format the underlying string.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Unmask returns the credential. Call it only where the value leaves the
// process: the token request body.
func (s SecretString) Unmask() string { return string(s) }
