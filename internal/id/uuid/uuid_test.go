package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestGeneratorNewID ensures generated IDs are unique and valid UUIDs.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	_, err = goUUID.Parse(id1)
	require.NoError(t, err)
	_, err = goUUID.Parse(id2)
	require.NoError(t, err)
}

func TestGeneratorPrefix(t *testing.T) {
	t.Parallel()

	id, err := NewWithPrefix("job").NewID()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "job_"))
	_, err = goUUID.Parse(strings.TrimPrefix(id, "job_"))
	require.NoError(t, err)
}
