package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseIntervalVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{raw: "300", want: 5 * time.Minute},
		{raw: "45s", want: 45 * time.Second},
		{raw: "1h30m", want: 90 * time.Minute},
		{raw: "00:05", want: 5 * time.Minute},
		{raw: "02:30", want: 150 * time.Minute},
		{raw: "@every 2m", want: 2 * time.Minute},
		{raw: "@hourly", want: time.Hour},
		{raw: " @daily ", want: 24 * time.Hour},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseInterval(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseIntervalInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "0", "-5", "500ms", "1.5s", "*/5 * * * *", "@every nope", "00:75", "soon"} {
		_, err := ParseInterval(raw)
		require.Error(t, err, raw)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	neg := -1
	require.NoError(t, Validate(nil))
	require.NoError(t, Validate([]Agent{{ID: "a", Interval: time.Minute}}))
	require.ErrorIs(t, Validate([]Agent{{ID: " ", Interval: time.Minute}}), ErrInvalidAgent)
	require.ErrorIs(t, Validate([]Agent{{ID: "a", Interval: time.Minute}, {ID: "a", Interval: time.Minute}}), ErrInvalidAgent)
	require.ErrorIs(t, Validate([]Agent{{ID: "a", Interval: 1500 * time.Millisecond}}), ErrInvalidAgent)
	require.ErrorIs(t, Validate([]Agent{{ID: "a", Interval: time.Minute, OptimizationCycleLength: &neg}}), ErrInvalidAgent)
}

func TestStaticSource(t *testing.T) {
	t.Parallel()
	src := NewStatic(Agent{ID: "a", Interval: time.Minute})
	got, err := src.Agents(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)

	boom := errors.New("unreachable")
	src.Fail(boom)
	_, err = src.Agents(context.Background())
	require.ErrorIs(t, err, boom)

	src.Set(nil)
	got, err = src.Agents(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}
