package main

import (
	"context"
	"errors"
	"testing"

	"github.com/disgoorg/snowflake/v2"
)

func TestGuardNonPrivilegedAlwaysPasses(t *testing.T) {
	g := NewAccessGuard(func(context.Context, snowflake.ID, snowflake.ID) (bool, error) {
		t.Fatal("Lookup must not run for non-privileged commands")
		return false, nil
	})
	ok, err := g.IsAuthorized(context.Background(), 1, 2, false)
	if err != nil || !ok {
		t.Errorf("Expected pass, got ok=%v err=%v", ok, err)
	}
}

func TestGuardPrivilegedDelegates(t *testing.T) {
	var gotGuild, gotUser snowflake.ID
	g := NewAccessGuard(func(_ context.Context, guildID, userID snowflake.ID) (bool, error) {
		gotGuild, gotUser = guildID, userID
		return true, nil
	})
	ok, err := g.IsAuthorized(context.Background(), 10, 20, true)
	if err != nil || !ok {
		t.Fatalf("Expected authorized, got ok=%v err=%v", ok, err)
	}
	if gotGuild != 10 || gotUser != 20 {
		t.Errorf("Lookup received wrong IDs: guild=%v user=%v", gotGuild, gotUser)
	}
}

func TestGuardPrivilegedDenied(t *testing.T) {
	g := NewAccessGuard(func(context.Context, snowflake.ID, snowflake.ID) (bool, error) {
		return false, nil
	})
	if ok, _ := g.IsAuthorized(context.Background(), 1, 2, true); ok {
		t.Error("Expected denial from the lookup to propagate")
	}
}

func TestGuardLookupErrorPropagates(t *testing.T) {
	wantErr := errors.New("discord api down")
	g := NewAccessGuard(func(context.Context, snowflake.ID, snowflake.ID) (bool, error) {
		return false, wantErr
	})
	if _, err := g.IsAuthorized(context.Background(), 1, 2, true); !errors.Is(err, wantErr) {
		t.Errorf("Expected lookup error, got %v", err)
	}
}

func TestGuardNilLookupDenies(t *testing.T) {
	g := NewAccessGuard(nil)
	if ok, err := g.IsAuthorized(context.Background(), 1, 2, true); ok || err != nil {
		t.Errorf("Expected silent denial with nil lookup, got ok=%v err=%v", ok, err)
	}
}
