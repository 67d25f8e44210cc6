package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEgressIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"plain origin", `{"origin": "203.0.113.9"}`, "203.0.113.9"},
		{"forwarded chain keeps first hop", `{"origin": "203.0.113.9, 10.0.0.1"}`, "203.0.113.9"},
		{"ipv6 origin", `{"origin": "2001:db8::1"}`, "2001:db8::1"},
		{"not json", `<html>blocked</html>`, ""},
		{"origin not an ip", `{"origin": "unknown"}`, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, parseEgressIP([]byte(tt.body)))
		})
	}
}
