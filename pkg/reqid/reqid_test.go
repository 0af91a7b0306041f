package reqid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNextRequestIDUnique(t *testing.T) {
	require := require.New(t)

	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NextRequestID()
		_, dup := seen[id]
		require.False(dup, "duplicate request ID %q", id)
		seen[id] = struct{}{}
	}
}

func TestNextRequestIDPrefixIsUUID(t *testing.T) {
	require := require.New(t)

	id := NextRequestID()
	sep := strings.LastIndex(id, "-")
	require.Positive(sep)
	_, err := uuid.Parse(id[:sep])
	require.NoError(err)
	require.Len(id[sep+1:], 9)
}
