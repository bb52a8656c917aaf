package macro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentitySubstituteReturnsInputUnchanged(t *testing.T) {
	got, err := Identity{}.Substitute("{$MACRO}", 42, Unmasked)
	require.NoError(t, err)
	assert.Equal(t, "{$MACRO}", got)

	got, err = Identity{}.Substitute("{$MACRO}", 42, Masked)
	require.NoError(t, err)
	assert.Equal(t, "{$MACRO}", got)
}
