package server

import "testing"

func TestJWTSkipPaths(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/api/auth/token", want: true},
		{path: "/api/channels", want: false},
		{path: "/api/connections", want: false},
	}

	for _, tc := range cases {
		_, got := jwtSkipPaths[tc.path]
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}
