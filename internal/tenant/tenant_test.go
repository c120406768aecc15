package tenant

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"simple", "acme", false},
		{"with hyphen and underscore", "acme-plant_2", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 65), true},
		{"slash", "acme/other", true},
		{"space", "acme corp", true},
		{"wildcard", "*", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Parse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTenant)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.in, id.String())
		})
	}
}

func TestFromContext(t *testing.T) {
	t.Run("fails closed when absent", func(t *testing.T) {
		_, err := FromContext(context.Background())
		assert.ErrorIs(t, err, ErrMissingTenant)
	})

	t.Run("round trips", func(t *testing.T) {
		ctx := WithTenant(context.Background(), "acme")
		id, err := FromContext(ctx)
		require.NoError(t, err)
		assert.Equal(t, ID("acme"), id)
	})

	t.Run("rejects malformed", func(t *testing.T) {
		ctx := WithTenant(context.Background(), "bad tenant")
		_, err := FromContext(ctx)
		assert.ErrorIs(t, err, ErrInvalidTenant)
	})

	t.Run("must panics without tenant", func(t *testing.T) {
		assert.Panics(t, func() { Must(context.Background()) })
	})
}
