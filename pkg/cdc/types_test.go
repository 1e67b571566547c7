package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompositeKeyString(t *testing.T) {
	tests := []struct {
		name string
		key  CompositeKey
		want string
	}{
		{"single", NewCompositeKey(int64(42)), "42"},
		{"composite", NewCompositeKey(int64(1), "eu"), "1,eu"},
		{"comma in value", NewCompositeKey("a,b", "c"), `a\,b,c`},
		{"comma in last value", NewCompositeKey("a", "b,c"), `a,b\,c`},
		{"backslash", NewCompositeKey(`a\`, "b"), `a\\,b`},
		{"nil", NewCompositeKey(nil, "x"), ",x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.String())
		})
	}

	assert.NotEqual(t, NewCompositeKey(`a\`, "b").String(), NewCompositeKey(`a\,b`).String())
}
