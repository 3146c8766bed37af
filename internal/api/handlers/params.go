// Package handlers contains the HTTP route adapters of the vegwatch API. Each
// handler parses query parameters into a service call and renders the result
// or the error through the core package.
package handlers

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"vegwatch/internal/types"
	"vegwatch/internal/validation"
)

// queryParams wraps url.Values with typed accessors that return validation
// AppErrors.
type queryParams struct {
	values url.Values
}

func newQueryParams(v url.Values) queryParams { return queryParams{values: v} }

func (q queryParams) str(name string) string {
	return strings.TrimSpace(q.values.Get(name))
}

// required returns the named parameter or a missing-field error.
func (q queryParams) required(name string) (string, error) {
	v := q.str(name)
	if v == "" {
		return "", types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			fmt.Sprintf("%s query parameter is required", name), nil,
			map[string]any{"field": name})
	}
	return v, nil
}

// intParam parses an optional integer within [lo, hi]. Absent yields def.
func (q queryParams) intParam(name string, def, lo, hi int) (int, error) {
	raw := q.str(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeValidationOutOfRange,
			fmt.Sprintf("%s must be an integer, got %q", name, raw), nil)
	}
	if v < lo || v > hi {
		return 0, types.NewAppErrorWithDetails(types.ErrCodeValidationOutOfRange,
			fmt.Sprintf("%s must be between %d and %d, got %d", name, lo, hi, v), nil,
			map[string]any{"field": name, "min": lo, "max": hi})
	}
	return v, nil
}

// floatParam parses an optional float. Absent yields nil.
func (q queryParams) floatParam(name string) (*float64, error) {
	raw := q.str(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationOutOfRange,
			fmt.Sprintf("%s must be a number, got %q", name, raw), nil)
	}
	return &v, nil
}

func (q queryParams) boolParam(name string, def bool) (bool, error) {
	raw := q.str(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeValidationOutOfRange,
			fmt.Sprintf("%s must be true or false, got %q", name, raw), nil)
	}
	return v, nil
}

// date returns a required YYYY-MM-DD parameter.
func (q queryParams) date(name string) (string, error) {
	v, err := q.required(name)
	if err != nil {
		return "", err
	}
	if _, err := validation.ParseDate(name, v); err != nil {
		return "", err
	}
	return v, nil
}

// geometry reads the area of interest. A GeoJSON "polygon" parameter wins
// over "bbox"; one of them is required.
func (q queryParams) geometry() (types.Geometry, error) {
	if raw := q.str("polygon"); raw != "" {
		p, err := validation.ParsePolygon([]byte(raw))
		if err != nil {
			return types.Geometry{}, err
		}
		return types.NewPolygonGeometry(p), nil
	}
	raw, err := q.required("bbox")
	if err != nil {
		return types.Geometry{}, err
	}
	b, err := validation.ParseBBox(raw)
	if err != nil {
		return types.Geometry{}, err
	}
	return types.NewBBoxGeometry(b), nil
}

// optionalBBox parses "bbox" when present. Events accept any ordering of the
// corners, so only the shape is checked here.
func (q queryParams) optionalBBox() (types.BBox, error) {
	raw := q.str("bbox")
	if raw == "" {
		return types.BBox{}, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return types.BBox{}, types.NewAppError(types.ErrCodeValidationInvalidBBox,
			"bbox must be minLon,minLat,maxLon,maxLat", nil)
	}
	var b types.BBox
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return types.BBox{}, types.NewAppError(types.ErrCodeValidationInvalidBBox,
				fmt.Sprintf("bbox values must be numeric: %q", p), nil)
		}
		b[i] = v
	}
	return b, nil
}
