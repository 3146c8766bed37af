package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vegwatch/internal/types"
)

type rasterJobRequest struct {
	Lat  *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon  *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
	Year int      `json:"year" validate:"gte=2015"`
}

func ptr(f float64) *float64 { return &f }

func TestValidator_Struct(t *testing.T) {
	v := NewValidator()

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, v.Struct(rasterJobRequest{Lat: ptr(52), Lon: ptr(71), Year: 2024}))
	})

	t.Run("out of range", func(t *testing.T) {
		err := v.Struct(rasterJobRequest{Lat: ptr(95), Lon: ptr(71), Year: 2010})
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeValidationOutOfRange, appErr.Code)
		assert.Equal(t, map[string]any{"lat": "lte=90", "year": "gte=2015"}, appErr.Details["fields"])
	})

	t.Run("missing required wins", func(t *testing.T) {
		err := v.Struct(rasterJobRequest{Lat: ptr(95), Year: 2024})
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
		assert.Equal(t, map[string]any{"lat": "lte=90", "lon": "required"}, appErr.Details["fields"])
	})

	t.Run("not a struct", func(t *testing.T) {
		err := v.Struct(42)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.KindInternal, appErr.Kind())
	})
}
