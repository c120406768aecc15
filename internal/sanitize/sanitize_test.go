package sanitize

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifier(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"acme", "acme"},
		{"Acme-Corp", "acme_corp"},
		{"a..b__c", "a_b_c"},
		{"", DefaultIdentifier},
		{"!!!", DefaultIdentifier},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Identifier(tt.in))
		})
	}

	long := Identifier(strings.Repeat("x", 100))
	assert.Len(t, long, MaxIdentifierLength)
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "manual_chunks_acme", CollectionName("manual_chunks", "acme"))

	upper := CollectionName("manual_chunks", "Acme")
	lower := CollectionName("manual_chunks", "acme")
	assert.NotEqual(t, upper, lower, "case-differing tenants must not share a collection")

	dashed := CollectionName("manual_chunks", "acme-corp")
	under := CollectionName("manual_chunks", "acme_corp")
	assert.NotEqual(t, dashed, under)

	long := CollectionName("manual_chunks", strings.Repeat("t", 64))
	assert.LessOrEqual(t, len(long), MaxIdentifierLength)
	assert.Regexp(t, `^[a-z0-9_]{1,64}$`, long)
	assert.Equal(t, long, CollectionName("manual_chunks", strings.Repeat("t", 64)))
}

func TestValidatePath(t *testing.T) {
	root := t.TempDir()

	got, err := ValidatePath("acme/pump.pdf", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "acme", "pump.pdf"), got)

	got, err = ValidatePath(filepath.Join(root, "acme", "pump.pdf"), root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "acme", "pump.pdf"), got)

	_, err = ValidatePath("../etc/passwd", root)
	assert.ErrorIs(t, err, ErrPathTraversal)

	_, err = ValidatePath("/etc/passwd", root)
	assert.ErrorIs(t, err, ErrPathTraversal)

	_, err = ValidatePath("", root)
	assert.ErrorIs(t, err, ErrEmptyPath)

	got, err = ValidatePath("manual..v2.pdf", root)
	require.NoError(t, err, "dots inside a name are not traversal")
	assert.Equal(t, filepath.Join(root, "manual..v2.pdf"), got)
}

func TestSafeBasename(t *testing.T) {
	base, err := SafeBasename("/srv/inbox/acme/pump.pdf")
	require.NoError(t, err)
	assert.Equal(t, "pump.pdf", base)

	_, err = SafeBasename("a/../../b")
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestValidateDocumentID(t *testing.T) {
	valid := []string{"manual-42", "PUMP_7.rev2", "a"}
	for _, id := range valid {
		assert.NoError(t, ValidateDocumentID(id), id)
	}
	invalid := []string{"", ".hidden", "a/b", "a b", "x:y", strings.Repeat("d", MaxDocumentIDLength+1)}
	for _, id := range invalid {
		assert.ErrorIs(t, ValidateDocumentID(id), ErrInvalidDocumentID, id)
	}
}
