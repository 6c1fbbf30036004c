package postgres

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaxiLake_Postgres_Rel(t *testing.T) {
	t.Parallel()

	r := NewRel("clean", "clean_yellow_trips")
	require.Equal(t, `"clean"."clean_yellow_trips"`, r.SQL())
	require.Equal(t, "clean.clean_yellow_trips", r.String())
	require.Equal(t, Rel{Schema: "clean", Name: "clean_yellow_trips_pdefault"},
		r.Sibling("clean_yellow_trips_pdefault"))

	t.Run("identifiers with quotes are escaped", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, `"bad""name"`, Ident(`bad"name`))
	})
}

func TestTaxiLake_Postgres_IdentList(t *testing.T) {
	t.Parallel()

	require.Equal(t, `"batch_id", "pickup_ts"`, IdentList([]string{"batch_id", "pickup_ts"}))
	require.Empty(t, IdentList(nil))
}

func TestTaxiLake_Postgres_Placeholders(t *testing.T) {
	t.Parallel()

	require.Equal(t, "$1, $2, $3", Placeholders(1, 3))
	require.Equal(t, "$4", Placeholders(4, 1))
	require.Empty(t, Placeholders(1, 0))
}
