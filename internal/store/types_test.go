package store

import "testing"

func TestClampHistoryLimit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   int
		want int
	}{
		{in: 0, want: MinHistoryLimit},
		{in: -5, want: MinHistoryLimit},
		{in: 14, want: MinHistoryLimit},
		{in: 15, want: 15},
		{in: 30, want: 30},
		{in: 50, want: 50},
		{in: 51, want: MaxHistoryLimit},
		{in: 1000, want: MaxHistoryLimit},
	}
	for _, tc := range cases {
		if got := ClampHistoryLimit(tc.in); got != tc.want {
			t.Fatalf("ClampHistoryLimit(%d)=%d want %d", tc.in, got, tc.want)
		}
	}
}
