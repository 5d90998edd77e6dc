package kerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapPreservesIs(t *testing.T) {
	err := Wrap("disk read failed", ErrIOFailure)
	require.True(t, errors.Is(err, ErrIOFailure))
	require.Equal(t, "disk read failed: kerncore: io failure", err.Error())
}

func TestNewAggregateNilWhenNoErrors(t *testing.T) {
	require.Nil(t, NewAggregate("cache.FlushAll"))
	require.Nil(t, NewAggregate("cache.FlushAll", nil, nil))
}

func TestNewAggregateCollectsNonNilAndMatchesIs(t *testing.T) {
	err := NewAggregate("kproc.Exit", ErrIOFailure, nil, ErrOutOfMemory)

	var agg *Aggregate
	require.True(t, errors.As(err, &agg))
	require.Equal(t, "kproc.Exit", agg.Op)
	require.Len(t, agg.Errors, 2)

	require.True(t, errors.Is(err, ErrIOFailure))
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.True(t, errors.Is(err, &Aggregate{}))
}
