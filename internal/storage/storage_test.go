package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueryValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Query{Filters: []Filter{Where("expires_at", OpLt, time.Now())}, OrderBy: "size_bytes", Limit: 10}.Validate())
	require.ErrorIs(t, Query{Filters: []Filter{Where("data'); drop table x;--", OpEq, "x")}}.Validate(), ErrInvalidQuery)
	require.ErrorIs(t, Query{Filters: []Filter{Where("a", "~", "x")}}.Validate(), ErrInvalidQuery)
	require.ErrorIs(t, Query{Filters: []Filter{Where("active", OpGt, true)}}.Validate(), ErrInvalidQuery)
	require.ErrorIs(t, Query{OrderBy: "Bad Field"}.Validate(), ErrInvalidQuery)
	require.ErrorIs(t, Query{Limit: -1}.Validate(), ErrInvalidQuery)
}
