package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer test-key", want: "test-key"},
		{name: "padded", header: "Bearer   test-key  ", want: "test-key"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic", header: "Basic abc", wantErr: true},
		{name: "empty", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractBearerToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ExtractBearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{ScopeTasksRO, " ", ScopeEventsRO}},
		{Token: "writer", Scopes: []string{ScopeTasksRW}},
	}

	admin, ok := Authenticate("admin-key", "admin-key", tokens)
	if !ok || !HasAnyScope(admin, ScopeTasksRW) {
		t.Fatalf("admin key should authenticate with every scope: %+v", admin)
	}

	reader, ok := Authenticate("reader", "admin-key", tokens)
	if !ok {
		t.Fatal("reader token rejected")
	}
	if HasAnyScope(reader, ScopeTasksRW) {
		t.Fatal("reader must not dispatch")
	}
	if !HasAnyScope(reader, ScopeEventsRO) {
		t.Fatal("reader should see events")
	}
	if len(reader.Scopes) != 2 {
		t.Fatalf("blank scopes should be dropped: %+v", reader.Scopes)
	}

	writer, ok := Authenticate("writer", "admin-key", tokens)
	if !ok || !HasAnyScope(writer, ScopeTasksRO) {
		t.Fatalf("rw should imply ro: %+v", writer.Scopes)
	}

	if _, ok := Authenticate("nope", "admin-key", tokens); ok {
		t.Fatal("unknown token accepted")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Fatal("empty token accepted against empty key")
	}
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("empty context has no principal")
	}
	ctx := WithPrincipal(context.Background(), Principal{Token: "x"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Token != "x" {
		t.Fatalf("principal = %+v, %v", p, ok)
	}
	if !HasAnyScope(p) {
		t.Fatal("no required scopes means allowed")
	}
}
