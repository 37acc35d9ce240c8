package auth

import (
	"encoding/json"
	"testing"
)

func mustDoc(t *testing.T, raw string) *PermissionNode {
	t.Helper()
	doc, err := ParsePermissions([]byte(raw))
	if err != nil {
		t.Fatalf("ParsePermissions(%s): %v", raw, err)
	}
	return doc
}

func TestResolvePrecedence(t *testing.T) {
	cases := []struct {
		name    string
		userDoc string
		roleDoc string
		path    string
		want    bool
	}{
		{
			name:    "role grant without override",
			roleDoc: `{"patients":{"read":true,"write":false}}`,
			path:    "patients.read",
			want:    true,
		},
		{
			name:    "role denial without override",
			roleDoc: `{"patients":{"read":true,"write":false}}`,
			path:    "patients.write",
			want:    false,
		},
		{
			name:    "path absent from both documents",
			roleDoc: `{"patients":{"read":true,"write":false}}`,
			path:    "patients.delete",
			want:    false,
		},
		{
			name:    "user override revokes role grant",
			userDoc: `{"patients":{"read":false}}`,
			roleDoc: `{"patients":{"read":true}}`,
			path:    "patients.read",
			want:    false,
		},
		{
			name:    "user override grants what role denies",
			userDoc: `{"billing":{"approve":true}}`,
			roleDoc: `{"billing":{"approve":false}}`,
			path:    "billing.approve",
			want:    true,
		},
		{
			name:    "role wildcard grants arbitrary path",
			roleDoc: `{"all":true}`,
			path:    "anything.at.any.depth",
			want:    true,
		},
		{
			name:    "user wildcard wins over role",
			userDoc: `{"all":true}`,
			roleDoc: `{"patients":{"read":false}}`,
			path:    "patients.read",
			want:    true,
		},
		{
			name:    "user override beats role wildcard",
			userDoc: `{"patients":{"write":false}}`,
			roleDoc: `{"all":true}`,
			path:    "patients.write",
			want:    false,
		},
		{
			name:    "false wildcard is not a wildcard",
			roleDoc: `{"all":false}`,
			path:    "patients.read",
			want:    false,
		},
		{
			name:    "bottoming out on a branch fails",
			roleDoc: `{"patients":{"notes":{"read":true}}}`,
			path:    "patients.notes",
			want:    false,
		},
		{
			name:    "leaf hit mid-path fails",
			roleDoc: `{"patients":true}`,
			path:    "patients.read",
			want:    false,
		},
		{
			name:    "wildcard short-circuits before path walking",
			roleDoc: `{"all":true}`,
			path:    "",
			want:    true,
		},
		{
			name:    "empty path never grants without wildcard",
			roleDoc: `{"patients":{"read":true}}`,
			path:    "",
			want:    false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var userDoc, roleDoc *PermissionNode
			if tc.userDoc != "" {
				userDoc = mustDoc(t, tc.userDoc)
			}
			if tc.roleDoc != "" {
				roleDoc = mustDoc(t, tc.roleDoc)
			}
			if got := Resolve(userDoc, roleDoc, tc.path); got != tc.want {
				t.Fatalf("Resolve(%q) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}

func TestResolveNilDocuments(t *testing.T) {
	if Resolve(nil, nil, "patients.read") {
		t.Fatal("nil documents must never grant")
	}
}

func TestParsePermissionsRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`true`,
		`42`,
		`"patients"`,
		`{"patients":1}`,
		`{"patients":["read"]}`,
		`{"patients":{"read":"yes"}}`,
		`{"patients":{"read":null}}`,
	} {
		if _, err := ParsePermissions([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestParsePermissionsEmptyIsNoDocument(t *testing.T) {
	for _, raw := range []string{"", "null", "  "} {
		doc, err := ParsePermissions([]byte(raw))
		if err != nil {
			t.Fatalf("ParsePermissions(%q): %v", raw, err)
		}
		if doc != nil {
			t.Fatalf("expected nil document for %q", raw)
		}
	}
}

func TestPermissionsRoundTrip(t *testing.T) {
	raw := `{"patients":{"read":true,"write":false},"reports":{"billing":{"export":true}}}`
	doc := mustDoc(t, raw)

	encoded, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again := mustDoc(t, string(encoded))
	if v, ok := again.Lookup("reports.billing.export"); !ok || !v {
		t.Fatalf("nested grant lost in round trip")
	}
	if v, ok := again.Lookup("patients.write"); !ok || v {
		t.Fatalf("nested denial lost in round trip")
	}
}

func TestCombinedIsShallowOverlay(t *testing.T) {
	userDoc := mustDoc(t, `{"patients":{"write":true}}`)
	roleDoc := mustDoc(t, `{"patients":{"read":true},"billing":{"view":true}}`)

	merged := Combined(userDoc, roleDoc)

	// The user's top-level "patients" subtree replaces the role's
	// entirely; the role-granted patients.read is not visible in the
	// merged view even though Resolve still grants it. That asymmetry
	// is why the merge is display-only.
	if v, ok := merged.Lookup("patients.read"); ok && v {
		t.Fatal("shallow overlay should have replaced the patients subtree")
	}
	if v, ok := merged.Lookup("patients.write"); !ok || !v {
		t.Fatal("user subtree missing from merged view")
	}
	if v, ok := merged.Lookup("billing.view"); !ok || !v {
		t.Fatal("untouched role subtree missing from merged view")
	}
	if !Resolve(userDoc, roleDoc, "patients.read") {
		t.Fatal("per-path resolution must still grant patients.read")
	}
}

func TestCombinedEmpty(t *testing.T) {
	if Combined(nil, nil) != nil {
		t.Fatal("expected nil merged view for two empty documents")
	}
}
