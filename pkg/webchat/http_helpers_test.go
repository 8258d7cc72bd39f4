package webchat

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOriginResolver(t *testing.T) {
	trusting, err := NewOriginResolver([]string{"10.0.0.0/8", "192.0.2.7"})
	require.NoError(t, err)

	cases := []struct {
		name     string
		resolver *OriginResolver
		remote   string
		xff      []string
		want     string
	}{
		{"nil resolver uses peer", nil, "198.51.100.4:5555", []string{"203.0.113.9"}, "198.51.100.4"},
		{"untrusted peer ignores header", trusting, "198.51.100.4:5555", []string{"203.0.113.9"}, "198.51.100.4"},
		{"trusted peer without header", trusting, "10.1.2.3:80", nil, "10.1.2.3"},
		{"trusted peer uses client hop", trusting, "10.1.2.3:80", []string{"203.0.113.9"}, "203.0.113.9"},
		{"rightmost untrusted hop wins", trusting, "10.1.2.3:80", []string{"1.1.1.1, 203.0.113.9, 10.9.9.9"}, "203.0.113.9"},
		{"repeated headers are joined", trusting, "192.0.2.7:80", []string{"1.1.1.1", "203.0.113.9"}, "203.0.113.9"},
		{"all hops trusted falls to leftmost", trusting, "10.1.2.3:80", []string{"10.4.4.4, 10.5.5.5"}, "10.4.4.4"},
		{"mapped peer address", trusting, "[::ffff:10.1.2.3]:80", []string{"203.0.113.9"}, "203.0.113.9"},
		{"remote without port", nil, "198.51.100.4", nil, "198.51.100.4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			require.Equal(t, tc.want, tc.resolver.Resolve(req))
		})
	}
}

func TestNewOriginResolverRejectsGarbage(t *testing.T) {
	_, err := NewOriginResolver([]string{"not-an-ip"})
	require.ErrorContains(t, err, "invalid trusted proxy")
	_, err = NewOriginResolver([]string{"10.0.0.0/40"})
	require.Error(t, err)
}
