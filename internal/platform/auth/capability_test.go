package auth

import "testing"

func TestDefaultPolicyGrants(t *testing.T) {
	policy := NewDefaultPolicy()

	cases := []struct {
		name     string
		actor    Actor
		resource string
		read     bool
		write    bool
	}{
		{"admin writes queue", Actor{ID: "a", Roles: []string{"admin"}}, ResourceSyncQueue, true, true},
		{"screener writes results", Actor{ID: "s", Roles: []string{"screener"}}, ResourceScreeningResult, true, true},
		{"screener cannot write exports", Actor{ID: "s", Roles: []string{"screener"}}, ResourceExport, true, false},
		{"nurse reads only", Actor{ID: "n", Roles: []string{"nurse"}}, ResourceScreeningResult, true, false},
		{"guardian no queue access", Actor{ID: "g", Roles: []string{"guardian"}}, ResourceSyncQueue, false, false},
		{"unknown role denied", Actor{ID: "x", Roles: []string{"intern"}}, ResourceScreeningResult, false, false},
		{"no roles denied", Actor{ID: "x"}, ResourceChildProfile, false, false},
		{"union across roles", Actor{ID: "m", Roles: []string{"guardian", "screener"}}, ResourceScreeningResult, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := policy.CanRead(tc.actor, tc.resource); got != tc.read {
				t.Errorf("CanRead = %v, want %v", got, tc.read)
			}
			if got := policy.CanWrite(tc.actor, tc.resource); got != tc.write {
				t.Errorf("CanWrite = %v, want %v", got, tc.write)
			}
		})
	}
}
