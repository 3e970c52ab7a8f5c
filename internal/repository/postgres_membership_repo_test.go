package repository

import (
	"context"
	"testing"
	"time"
)

func TestPostgresMembershipRepo_ImplementsInterface(t *testing.T) {
	var _ MembershipRepository = (*PostgresMembershipRepo)(nil)
}

// 2回目の参加は既存のメンバーシップを再利用し、既にアクティブだったことを返す
func TestPostgresMembershipRepo_Activate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	lobby := createTestLobby(t, db)
	repo := NewPostgresMembershipRepo(db)
	user := uniqueUser("alice")

	first, already, err := repo.Activate(ctx, lobby.ID, user, time.Now())
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if already {
		t.Error("first Activate() reported already active")
	}

	second, already, err := repo.Activate(ctx, lobby.ID, user, time.Now())
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if !already {
		t.Error("second Activate() should report already active")
	}
	if first.ID != second.ID {
		t.Errorf("membership id changed: %s -> %s", first.ID, second.ID)
	}

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM lobby_memberships WHERE lobby_id = $1 AND user_id = $2`, lobby.ID, user).Scan(&count); err != nil {
		t.Fatalf("count query error = %v", err)
	}
	if count != 1 {
		t.Errorf("membership rows = %d, want 1", count)
	}
}

// スロットを保持しているユーザーはマッチング対象から外れる
func TestPostgresMembershipRepo_ListEligible_ExcludesSlotHolders(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	lobby := createTestLobby(t, db)
	members := NewPostgresMembershipRepo(db)
	proposals := NewPostgresProposalRepo(db)

	alice, bob, carol := uniqueUser("alice"), uniqueUser("bob"), uniqueUser("carol")
	base := time.Now()
	for i, u := range []string{alice, bob, carol} {
		if _, _, err := members.Activate(ctx, lobby.ID, u, base.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("Activate() error = %v", err)
		}
	}
	if err := proposals.CreateWithSlots(ctx, newTestProposal(lobby.ID, alice, bob)); err != nil {
		t.Fatalf("CreateWithSlots() error = %v", err)
	}

	eligible, err := members.ListEligible(ctx, lobby.ID)
	if err != nil {
		t.Fatalf("ListEligible() error = %v", err)
	}
	if len(eligible) != 1 || eligible[0] != carol {
		t.Errorf("ListEligible() = %v, want [%s]", eligible, carol)
	}
}

func TestPostgresMembershipRepo_DeactivateStale(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	lobby := createTestLobby(t, db)
	repo := NewPostgresMembershipRepo(db)

	stale, fresh := uniqueUser("stale"), uniqueUser("fresh")
	now := time.Now()
	if _, _, err := repo.Activate(ctx, lobby.ID, stale, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if _, _, err := repo.Activate(ctx, lobby.ID, fresh, now); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	demoted, err := repo.DeactivateStale(ctx, lobby.ID, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("DeactivateStale() error = %v", err)
	}
	if len(demoted) != 1 || demoted[0] != stale {
		t.Errorf("DeactivateStale() = %v, want [%s]", demoted, stale)
	}
	if m, _ := repo.FindActive(ctx, lobby.ID, stale); m != nil {
		t.Error("stale member is still active")
	}
	if m, _ := repo.FindActive(ctx, lobby.ID, fresh); m == nil {
		t.Error("fresh member was deactivated")
	}
}
