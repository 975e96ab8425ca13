package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestKeyring(t *testing.T) {
	t.Parallel()

	keys := NewKeyring("admin-key", []Token{
		{Name: "ci-viewer", Value: "viewer", Scopes: []string{ScopeRunsRO, " "}},
		{Value: "submitter", Scopes: []string{ScopeCompile}},
		{Value: "", Scopes: []string{ScopeAll}},
	})
	if !keys.Enabled() {
		t.Fatal("keyring with keys reports disabled")
	}

	admin, ok := keys.Authenticate("admin-key")
	if !ok || admin.Name != "admin" || !admin.Allows(ScopeCompile, ScopeEvents) {
		t.Fatalf("admin key should carry every scope: %+v", admin)
	}

	viewer, ok := keys.Authenticate("viewer")
	if !ok || viewer.Name != "ci-viewer" {
		t.Fatalf("viewer = %+v, %v", viewer, ok)
	}
	if viewer.Allows(ScopeCompile) {
		t.Error("viewer must not compile")
	}
	if len(viewer.scopes) != 1 {
		t.Errorf("blank scope kept: %+v", viewer.scopes)
	}

	submitter, _ := keys.Authenticate("submitter")
	if submitter.Name != "token[1]" {
		t.Errorf("unnamed token name = %q", submitter.Name)
	}
	if !submitter.Allows(ScopeRunsRO) {
		t.Error("compile scope should imply runs:ro")
	}

	for _, bad := range []string{"nope", "", "admin-ke"} {
		if _, ok := keys.Authenticate(bad); ok {
			t.Errorf("token %q accepted", bad)
		}
	}
}

func TestEmptyKeyring(t *testing.T) {
	t.Parallel()

	keys := NewKeyring("", nil)
	if keys.Enabled() {
		t.Fatal("empty keyring reports enabled")
	}
	if _, ok := keys.Authenticate(""); ok {
		t.Fatal("empty token must never authenticate")
	}
	if !Anonymous().Allows(ScopeCompile) {
		t.Fatal("anonymous principal of an open API should allow everything")
	}
	if (Principal{}).Allows(ScopeRunsRO) {
		t.Fatal("zero principal allows nothing")
	}
	if !(Principal{}).Allows() {
		t.Fatal("no requirement always passes")
	}
}

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer test-key", want: "test-key"},
		{header: "Bearer   spaced  ", want: "spaced"},
		{header: "", wantErr: true},
		{header: "bearer lower", want: "lower"},
		{header: "Basic abc", wantErr: true},
		{header: "Bearer   ", wantErr: true},
	} {
		req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		got, err := ExtractBearerToken(req)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tc.header)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("%q: got %q, %v", tc.header, got, err)
		}
	}
}

func TestKnownScope(t *testing.T) {
	t.Parallel()
	if !KnownScope(ScopeEvents) || KnownScope("jobs:rw") {
		t.Fatal("unexpected scope classification")
	}
}
