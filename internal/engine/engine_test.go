package engine

import "testing"

func TestEndpointStateString(t *testing.T) {
	tests := map[EndpointState]string{
		StateUninitialized: "uninitialized",
		StateActive:        "active",
		StateClosed:        "closed",
		EndpointState(42):  "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("EndpointState(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
