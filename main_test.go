package main

import (
	"testing"
)

func TestNormalizeAddr(t *testing.T) {
	testCases := []struct {
		testCase string
		addr     string
		want     string
		wantErr  bool
	}{
		{
			"Empty address uses defaults",
			"",
			"localhost:8084",
			false,
		},
		{
			"Host and port",
			"10.0.0.1:9000",
			"10.0.0.1:9000",
			false,
		},
		{
			"Host with spaces",
			"  example.com:9000 ",
			"example.com:9000",
			false,
		},
		{
			"Host without port",
			"example.com",
			"example.com:8084",
			false,
		},
		{
			"Port without host",
			":9000",
			"localhost:9000",
			false,
		},
		{
			"IPv6 without port",
			"[::1]",
			"[::1]:8084",
			false,
		},
		{
			"IPv6 with port",
			"[::1]:9000",
			"[::1]:9000",
			false,
		},
		{
			"Invalid port",
			"localhost:http",
			"",
			true,
		},
		{
			"Port out of range",
			"localhost:70000",
			"",
			true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.testCase, func(t *testing.T) {
			addr, err := normalizeAddr(tc.addr)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", addr)
				}
				return
			}
			if err != nil {
				t.Fatalf("returned error: %v", err)
			}
			if addr != tc.want {
				t.Fatalf("\n  wanted: %#v\n     got: %#v", tc.want, addr)
			}
		})
	}
}
