package script

import (
	"testing"

	"github.com/risor-io/risor/object"
	"github.com/stretchr/testify/require"
)

func TestConvertListValue(t *testing.T) {
	t.Run("passes through []any", func(t *testing.T) {
		got, err := ConvertListValue([]any{"linux", "macos"})
		require.NoError(t, err)
		require.Equal(t, []any{"linux", "macos"}, got)
	})

	t.Run("widens typed slices", func(t *testing.T) {
		got, err := ConvertListValue([]string{"a", "b"})
		require.NoError(t, err)
		require.Equal(t, []any{"a", "b"}, got)

		got, err = ConvertListValue([]int{1, 2})
		require.NoError(t, err)
		require.Equal(t, []any{1, 2}, got)

		got, err = ConvertListValue([]float64{1.5})
		require.NoError(t, err)
		require.Equal(t, []any{1.5}, got)
	})

	t.Run("unwraps risor lists", func(t *testing.T) {
		list := object.NewList([]object.Object{
			object.NewString("amd64"),
			object.NewString("arm64"),
		})
		got, err := ConvertListValue(list)
		require.NoError(t, err)
		require.Equal(t, []any{"amd64", "arm64"}, got)
	})

	t.Run("rejects non-list values", func(t *testing.T) {
		_, err := ConvertListValue("linux")
		require.Error(t, err)
		require.Contains(t, err.Error(), "expected a list value")
	})
}

func TestConvertRisorValueToBool(t *testing.T) {
	tests := []struct {
		name string
		obj  object.Object
		want bool
	}{
		{"true bool", object.True, true},
		{"false bool", object.False, false},
		{"non-zero int", object.NewInt(3), true},
		{"zero int", object.NewInt(0), false},
		{"non-empty string", object.NewString("yes"), true},
		{"empty string", object.NewString(""), false},
		{"string false", object.NewString("false"), false},
		{"empty list", object.NewList(nil), false},
		{"nil", object.Nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ConvertRisorValueToBool(tt.obj))
		})
	}
}
