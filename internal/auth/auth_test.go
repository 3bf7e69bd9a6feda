package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCanAccessAll(t *testing.T) {
	a := Access{Type: AccessAll}
	if !a.CanAccess("any/repo") {
		t.Error("expected AccessAll to grant any/repo")
	}
	if !a.CanAccess("x") {
		t.Error("expected AccessAll to grant x")
	}
}

func TestCanAccessPrefix(t *testing.T) {
	a := Access{Type: AccessRepositories, Repos: []string{"team/app"}}

	cases := map[string]bool{
		"team/app":         true,
		"team/app/subpath": true,
		"team/other":       false,
		"team":             false,
		"team/app-private": false, // the trailing-slash subtlety
	}
	for repo, want := range cases {
		if got := a.CanAccess(repo); got != want {
			t.Errorf("CanAccess(%q) = %v, want %v", repo, got, want)
		}
	}
}

func TestCanAccessEmptyRepoListDeniesAll(t *testing.T) {
	a := Access{Type: AccessRepositories, Repos: nil}
	if a.CanAccess("anything") {
		t.Error("expected empty repo list to deny access")
	}
}

func TestMintAndVerifyRoundTrip(t *testing.T) {
	secret := "topsecret"
	claims := Claims{Subject: "u", Access: Access{Type: AccessAll}}

	tok, err := Mint(claims, secret)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	got, err := Verify(tok, secret)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Subject != claims.Subject || got.Access.Type != claims.Access.Type {
		t.Errorf("Verify round-trip mismatch: got %+v, want %+v", got, claims)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tok, err := Mint(Claims{Subject: "u", Access: Access{Type: AccessAll}}, "secret-a")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	_, err = Verify(tok, "secret-b")
	if err == nil {
		t.Fatal("expected Verify to fail under the wrong secret")
	}
}

func TestVerifyAcceptsTokenWithoutExpiry(t *testing.T) {
	tok, err := Mint(Claims{Subject: "u", Access: Access{Type: AccessAll}}, "s")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := Verify(tok, "s"); err != nil {
		t.Fatalf("Verify: expected token without exp to be accepted, got %v", err)
	}
}

func TestCheckRepositoryAccessDenied(t *testing.T) {
	claims := Claims{Subject: "u", Access: Access{Type: AccessRepositories, Repos: []string{"team/app"}}}

	if err := CheckRepositoryAccess(claims, "team/other"); err == nil {
		t.Fatal("expected access denial for unlisted repository")
	}
	if err := CheckRepositoryAccess(claims, "team/app"); err != nil {
		t.Fatalf("expected access granted, got %v", err)
	}
}

func TestMiddlewareRejectsMissingBearerPrefix(t *testing.T) {
	mw := Middleware("s")
	handlerCalled := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	req.Header.Set("Authorization", "bearer sometoken")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if handlerCalled {
		t.Fatal("expected handler not to run on lowercase bearer prefix")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareAttachesClaimsOnSuccess(t *testing.T) {
	secret := "s"
	tok, err := Mint(Claims{Subject: "u", Access: Access{Type: AccessAll}}, secret)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	mw := Middleware(secret)
	var gotSubject string
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = FromContext(r.Context()).Subject
	}))

	req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotSubject != "u" {
		t.Fatalf("claims not attached: got subject %q", gotSubject)
	}
}
