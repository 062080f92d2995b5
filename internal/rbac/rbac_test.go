package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer fork", role: RoleViewer, action: ActionFork, allow: false},
		{name: "viewer write", role: RoleViewer, action: ActionWrite, allow: false},
		{name: "contributor fork", role: RoleContributor, action: ActionFork, allow: true},
		{name: "contributor merge", role: RoleContributor, action: ActionMerge, allow: false},
		{name: "editor merge", role: RoleEditor, action: ActionMerge, allow: true},
		{name: "editor admin", role: RoleEditor, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown role", role: Role("owner"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalizeFallsBackToViewer(t *testing.T) {
	if got := Normalize("contributor"); got != RoleContributor {
		t.Fatalf("Normalize(contributor) = %q", got)
	}
	if got := Normalize("superuser"); got != RoleViewer {
		t.Fatalf("Normalize(superuser) = %q, want viewer", got)
	}
}
