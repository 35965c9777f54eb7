package server

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		realIP  string
		forward string
		want    string
	}{
		{name: "remote only", remote: "198.51.100.10:1234", want: "198.51.100.10"},
		{name: "real ip wins", remote: "10.0.0.1:1", realIP: "203.0.113.5", forward: "192.0.2.1", want: "203.0.113.5"},
		{name: "first forwarded", remote: "10.0.0.1:1", forward: "192.0.2.1, 203.0.113.11", want: "192.0.2.1"},
		{name: "forwarded with port", remote: "10.0.0.1:1", forward: "192.0.2.7:9000", want: "192.0.2.7"},
		{name: "ipv6 remote", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "garbage headers fall through", remote: "198.51.100.2:80", realIP: "unknown", forward: "nope", want: "198.51.100.2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com/doc", nil)
			req.RemoteAddr = tt.remote
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.forward != "" {
				req.Header.Set("X-Forwarded-For", tt.forward)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
