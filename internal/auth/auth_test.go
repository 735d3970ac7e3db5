package auth

import (
	"context"
	"slices"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	t.Setenv("EMPATHY_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("user-42", []string{"Elder", "storyteller", "elder"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if !slices.Contains(claims.Roles, "elder") || !slices.Contains(claims.Roles, "storyteller") {
		t.Fatalf("roles were not preserved: %v", claims.Roles)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("roles were not deduplicated: %v", claims.Roles)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	t.Setenv("EMPATHY_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("user-42", []string{"admin"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ParseAndValidate(token + "x"); err == nil {
		t.Fatal("expected tampered token to fail validation")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithActor(ctx, "user-7", []string{"Elder", "Elder", "moderator"})

	id, ok := ActorFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected actor id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "elder") || HasRole(ctx, "admin") {
		t.Fatalf("role lookup incorrect: %v", roles)
	}
}

func TestPermissions(t *testing.T) {
	elder := ContextWithActor(context.Background(), "elder-1", []string{RoleElder})
	teller := ContextWithActor(context.Background(), "teller-1", []string{RoleStoryteller})

	if !HasPermission(elder, PermConsentElderApprove) {
		t.Fatal("elder should hold elder_approve")
	}
	if HasPermission(teller, PermConsentElderApprove) {
		t.Fatal("storyteller must not hold elder_approve")
	}
	if err := Require(teller, PermConsentWithdraw); err != nil {
		t.Fatalf("storyteller should withdraw own consent: %v", err)
	}
	if err := Require(teller, PermModerationPulldown); err == nil {
		t.Fatal("storyteller must not pull down content")
	}
	if !IsElder(elder) || IsElder(teller) {
		t.Fatal("IsElder mismatch")
	}
}
