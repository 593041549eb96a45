package main

import "testing"

func TestVerboseRequested(t *testing.T) {
	tests := []struct {
		args []string
		want bool
	}{
		{nil, false},
		{[]string{"-v", "connect"}, true},
		{[]string{"--config", "/tmp/c.yaml", "--verbose", "status"}, true},
		{[]string{"--config", "-v", "status"}, false},
		{[]string{"connect", "-v"}, false},
		{[]string{"--", "-v"}, false},
	}
	for _, tt := range tests {
		if got := verboseRequested(tt.args); got != tt.want {
			t.Errorf("verboseRequested(%v) = %v, want %v", tt.args, got, tt.want)
		}
	}
}
