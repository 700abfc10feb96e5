package chatstore

import "testing"

func TestChatIsMember(t *testing.T) {
	chat := &Chat{
		ID:            "ch1",
		OperatorID:    "op-1",
		ParticipantID: "pa-1",
	}

	cases := []struct {
		userID string
		want   bool
	}{
		{"op-1", true},
		{"pa-1", true},
		{"stranger", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := chat.IsMember(tc.userID); got != tc.want {
			t.Errorf("IsMember(%q) = %v, want %v", tc.userID, got, tc.want)
		}
	}
}
