package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SwarmState
		want     bool
	}{
		{SwarmAbsent, SwarmAdding, true},
		{SwarmAdding, SwarmReady, true},
		{SwarmAdding, SwarmFailed, true},
		{SwarmAdding, SwarmRemoving, true},
		{SwarmReady, SwarmRemoving, true},
		{SwarmRemoving, SwarmAbsent, true},
		{SwarmFailed, SwarmAdding, true},
		{SwarmFailed, SwarmAbsent, true},

		{SwarmAdding, SwarmAdding, false},
		{SwarmAbsent, SwarmReady, false},
		{SwarmReady, SwarmAdding, false},
		{SwarmReady, SwarmFailed, false},
		{SwarmRemoving, SwarmReady, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			if got := CanTransition(tc.from, tc.to); got != tc.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}
