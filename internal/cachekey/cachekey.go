// Package cachekey derives content-addressed cache filenames.
//
// A key is the first DigestLength hex characters of the SHA-256 of a canonical
// JSON payload: map keys sorted, geometry and float parameters rounded to
// types.CoordinatePrecision. The algorithm version is part of the payload, so
// bumping an evalscript version orphans every older entry.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"vegwatch/internal/types"
)

// DigestLength is the number of hex characters kept from the SHA-256 digest.
const DigestLength = 16

// Artifact extensions.
const (
	ExtTIFF = "tif"
	ExtJSON = "json"
)

// filenamePattern matches every name this package produces.
var filenamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*_[0-9a-f]{16}\.(tif|json)$`)

// Request is everything that identifies one cached artifact.
type Request struct {
	Geometry  types.Geometry
	Start     string
	End       string
	Indicator types.Indicator
	// Kind distinguishes artifacts of the same inputs (e.g. "stats", "histogram").
	// Empty for rasters.
	Kind    string
	Version string
	Params  map[string]any
}

// Derive returns the DigestLength-character hex key of r.
func Derive(r Request) (string, error) {
	payload := map[string]any{
		"geometry":  r.Geometry.Canonical(),
		"start":     r.Start,
		"end":       r.End,
		"indicator": string(r.Indicator),
		"kind":      r.Kind,
		"version":   r.Version,
		"params":    normalize(r.Params),
	}
	return Digest(payload)
}

// Digest hashes any JSON-encodable value in canonical form.
func Digest(v any) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:DigestLength], nil
}

// Canonical encodes v as compact JSON with sorted object keys.
func Canonical(v any) ([]byte, error) {
	// Round-trip through a generic value so struct field order cannot leak
	// into the encoding; encoding/json sorts map keys.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cachekey: encode payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("cachekey: decode payload: %w", err)
	}
	return json.Marshal(normalizeValue(generic))
}

// Filename returns "{prefix}[_{kind}]_{digest}.{ext}".
func Filename(r Request, ext string) (string, error) {
	digest, err := Derive(r)
	if err != nil {
		return "", err
	}
	return Name(r.Indicator, r.Kind, digest, ext), nil
}

// Name assembles a filename from its parts.
func Name(ind types.Indicator, kind, digest, ext string) string {
	prefix := ind.CachePrefix()
	if kind != "" {
		prefix += "_" + kind
	}
	return fmt.Sprintf("%s_%s.%s", prefix, digest, ext)
}

// SidecarName returns the JSON metadata name sharing name's base.
func SidecarName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i] + "." + ExtJSON
		}
	}
	return name + "." + ExtJSON
}

// ValidFilename reports whether name could have been produced by Filename.
// Used to reject path traversal before touching the filesystem.
func ValidFilename(name string) bool {
	return filenamePattern.MatchString(name)
}

func normalize(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = normalizeValue(params[k])
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case float64:
		return types.RoundCoord(x)
	case float32:
		return types.RoundCoord(float64(x))
	case map[string]any:
		return normalize(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}
