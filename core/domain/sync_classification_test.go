package domain

import "testing"

func TestParseEmailAction(t *testing.T) {
	tests := []struct {
		in   string
		want EmailAction
	}{
		{"reply", ActionReply},
		{"REPLY", ActionReply},
		{"  Forward  ", ActionForward},
		{"new_email", ActionNewEmail},
		{"flag_important", ActionFlagImportant},
		{"archive", ActionArchive},
		{"delete", ActionDelete},
		{"no_action", ActionNoAction},
		{"escalate", ActionNoAction},
		{"", ActionNoAction},
	}
	for _, tt := range tests {
		if got := ParseEmailAction(tt.in); got != tt.want {
			t.Errorf("ParseEmailAction(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseEmailPriority(t *testing.T) {
	tests := []struct {
		in   string
		want EmailPriority
	}{
		{"high", PriorityHigh},
		{"Medium", PriorityMedium},
		{"LOW", PriorityLow},
		{"urgent", PriorityMedium},
		{"", PriorityMedium},
	}
	for _, tt := range tests {
		if got := ParseEmailPriority(tt.in); got != tt.want {
			t.Errorf("ParseEmailPriority(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEmailActionCreatesDraft(t *testing.T) {
	drafting := map[EmailAction]bool{
		ActionReply:         true,
		ActionForward:       true,
		ActionNewEmail:      true,
		ActionNoAction:      false,
		ActionFlagImportant: false,
		ActionArchive:       false,
		ActionDelete:        false,
	}
	for action, want := range drafting {
		if got := action.CreatesDraft(); got != want {
			t.Errorf("%s.CreatesDraft() = %v, want %v", action, got, want)
		}
	}
}

func TestSyncStateTransitions(t *testing.T) {
	tests := []struct {
		from SyncState
		to   SyncState
		want bool
	}{
		{SyncPending, SyncInProgress, true},
		{SyncPending, SyncFailed, true},
		{SyncInProgress, SyncCompleted, true},
		{SyncInProgress, SyncFailed, true},
		{SyncCompleted, SyncInProgress, false},
		{SyncFailed, SyncCompleted, false},
		{SyncInProgress, SyncPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSenderAvoided(t *testing.T) {
	prefs := &UserPreferences{
		UserID:          "u1",
		SenderAvoidList: []string{"spam.example.com", "Promo@Shop.io"},
	}
	tests := []struct {
		sender string
		want   bool
	}{
		{"news@spam.example.com", true},
		{"promo@shop.io", true},
		{"alice@example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := prefs.SenderAvoided(tt.sender); got != tt.want {
			t.Errorf("SenderAvoided(%q) = %v, want %v", tt.sender, got, tt.want)
		}
	}
}

func TestRuleRender(t *testing.T) {
	r := ClassificationRule{Keyword: "invoice", Action: ActionForward, Recipient: "billing@corp.com"}
	want := `when email contains "invoice", perform "forward" to billing@corp.com`
	if got := r.Render(); got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}

	r2 := ClassificationRule{Keyword: "urgent", Action: ActionReply}
	want2 := `when email contains "urgent", perform "reply"`
	if got := r2.Render(); got != want2 {
		t.Errorf("Render() = %q, want %q", got, want2)
	}
}
