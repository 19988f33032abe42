package logx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnonymizeIP(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "ipv4 with port", in: "203.0.113.77:52114", want: "203.0.113.0"},
		{name: "ipv4 bare", in: "203.0.113.77", want: "203.0.113.0"},
		{name: "loopback", in: "127.0.0.1:9400", want: "127.0.0.1"},
		{name: "ipv6", in: "[2001:db8:1:2:3:4:5:6]:443", want: "2001:db8:1:2::"},
		{name: "garbage", in: "not-an-address", want: "unknown_ip"},
		{name: "empty", in: "", want: "unknown_ip"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, anonymizeIP(tc.in))
		})
	}
}
