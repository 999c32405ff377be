package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)

	if got := s.IntSetting("max_iterations", 10); got != 10 {
		t.Errorf("unset IntSetting = %d, want default 10", got)
	}
	if err := s.SetSetting("max_iterations", "5"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if got := s.IntSetting("max_iterations", 10); got != 5 {
		t.Errorf("IntSetting = %d, want 5", got)
	}
	if err := s.SetSetting("bootstrap_mode", "direct"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if got := s.StringSetting("bootstrap_mode", "search"); got != "direct" {
		t.Errorf("StringSetting = %q, want %q", got, "direct")
	}
}

func TestMessagesChronological(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().Add(-time.Hour)
	for i, text := range []string{"first", "second", "third"} {
		err := s.AppendMessage(Message{
			UserID: "u1", RoleID: "r1", Author: "user", Content: text,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := s.ListMessages("u1", "r1", 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "second" || msgs[1].Content != "third" {
		t.Errorf("messages out of order: %q, %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestOAuthTokenRoundTrip(t *testing.T) {
	s := openTestStore(t)
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	err := s.SaveOAuthToken(OAuthToken{
		UserID: "u1", Provider: "gmail", AccountEmail: "a@example.com",
		AccessToken: "tok1", RefreshToken: "ref1", ExpiresAt: expiry,
	})
	if err != nil {
		t.Fatalf("SaveOAuthToken: %v", err)
	}

	got, err := s.GetOAuthToken("u1", "gmail", "")
	if err != nil {
		t.Fatalf("GetOAuthToken: %v", err)
	}
	if got.AccessToken != "tok1" || !got.ExpiresAt.Equal(expiry) {
		t.Errorf("token = %+v", got)
	}

	// Refresh overwrites in place.
	err = s.SaveOAuthToken(OAuthToken{
		UserID: "u1", Provider: "gmail", AccountEmail: "a@example.com",
		AccessToken: "tok2", RefreshToken: "ref1", ExpiresAt: expiry.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("SaveOAuthToken (refresh): %v", err)
	}
	got, err = s.GetOAuthToken("u1", "gmail", "a@example.com")
	if err != nil {
		t.Fatalf("GetOAuthToken: %v", err)
	}
	if got.AccessToken != "tok2" {
		t.Errorf("access token = %q, want tok2", got.AccessToken)
	}

	accounts, err := s.ListAccounts("u1")
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0] != "a@example.com" {
		t.Errorf("accounts = %v", accounts)
	}
}

func TestClaimDueJobsAtMostOnce(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	jobs := []Job{
		{ID: "due-once", UserID: "u1", RoleID: "r1", Description: "What is 2+2?", Kind: JobOnce, RunAt: now.Add(-time.Second)},
		{ID: "future-once", UserID: "u1", RoleID: "r1", Description: "later", Kind: JobOnce, RunAt: now.Add(time.Hour)},
		{ID: "due-recurring", UserID: "u1", RoleID: "r1", Description: "daily digest", Kind: JobRecurring, RunAt: now.Add(-time.Minute)},
	}
	for _, j := range jobs {
		if err := s.CreateJob(j); err != nil {
			t.Fatalf("CreateJob(%s): %v", j.ID, err)
		}
	}

	claimed, err := s.ClaimDueJobs(now, 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimDueJobs: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2: %+v", len(claimed), claimed)
	}
	for _, j := range claimed {
		if j.Status != JobRunning {
			t.Errorf("job %s status = %s, want running", j.ID, j.Status)
		}
		if !j.HoldUntil.After(now) {
			t.Errorf("job %s hold_until %v not after now", j.ID, j.HoldUntil)
		}
	}

	// A second poll while the claims are held must find nothing.
	claimed, err = s.ClaimDueJobs(now, 30*time.Second)
	if err != nil {
		t.Fatalf("ClaimDueJobs (second): %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("second claim got %d jobs, want 0", len(claimed))
	}
}

func TestJobCompletionPaths(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.CreateJob(Job{ID: "j1", UserID: "u", RoleID: "r", Description: "d", Kind: JobOnce, RunAt: now.Add(-time.Second)}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.ClaimDueJobs(now, 30*time.Second); err != nil {
		t.Fatalf("ClaimDueJobs: %v", err)
	}
	if err := s.FinishOnce("j1", "", now); err != nil {
		t.Fatalf("FinishOnce: %v", err)
	}
	j, err := s.GetJob("j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobCompleted || j.RunCount != 1 || j.LastError != "" {
		t.Errorf("job after FinishOnce = %+v", j)
	}

	// Recurring success resets the failure streak and moves run_at forward.
	if err := s.CreateJob(Job{ID: "j2", UserID: "u", RoleID: "r", Description: "d", Kind: JobRecurring, RunAt: now.Add(-time.Second)}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.ClaimDueJobs(now, 30*time.Second); err != nil {
		t.Fatalf("ClaimDueJobs: %v", err)
	}
	next := now.Add(time.Hour)
	if err := s.FinishRecurring("j2", next, now); err != nil {
		t.Fatalf("FinishRecurring: %v", err)
	}
	j, err = s.GetJob("j2")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobPending || !j.HoldUntil.After(now) || j.FailStreak != 0 {
		t.Errorf("job after FinishRecurring = %+v", j)
	}

	// Cancelling a pending job works; cancelling twice does not.
	if err := s.CancelJob("j2"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if err := s.CancelJob("j2"); err == nil {
		t.Error("cancelling a cancelled job must fail")
	}
}
