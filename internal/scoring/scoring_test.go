package scoring

import (
	"context"
	"testing"

	"github.com/talkwell-labs/talkwell/backend/internal/analysis"
	"github.com/talkwell-labs/talkwell/backend/internal/chat"
)

func TestDeltaTable(t *testing.T) {
	cases := []struct {
		verdict analysis.Verdict
		risk    analysis.Risk
		want    int
	}{
		{analysis.VerdictCompliant, analysis.RiskLow, 1},
		{analysis.VerdictCompliant, analysis.RiskMedium, 1},
		{analysis.VerdictCompliant, analysis.RiskHigh, 1},
		{analysis.VerdictViolation, analysis.RiskLow, -1},
		{analysis.VerdictViolation, analysis.RiskMedium, -1},
		{analysis.VerdictViolation, analysis.RiskHigh, -2},
	}
	for _, tc := range cases {
		got := Delta(analysis.Result{Verdict: tc.verdict, Risk: tc.risk})
		if got != tc.want {
			t.Fatalf("Delta(%s/%s) = %d, want %d", tc.verdict, tc.risk, got, tc.want)
		}
	}
}

func TestDeltaForCalmFirstPersonMessage(t *testing.T) {
	result := analysis.HeuristicAnalyze("I feel uneasy about this")
	if result.Verdict != analysis.VerdictCompliant || result.Risk != analysis.RiskLow {
		t.Fatalf("unexpected heuristic result %s/%s", result.Verdict, result.Risk)
	}
	if got := Delta(result); got != 1 {
		t.Fatalf("expected +1 for a compliant low-risk message, got %d", got)
	}
}

func TestDeltaIsDeterministic(t *testing.T) {
	result := analysis.Result{Verdict: analysis.VerdictViolation, Risk: analysis.RiskHigh}
	first := Delta(result)
	for i := 0; i < 100; i++ {
		if Delta(result) != first {
			t.Fatalf("expected identical delta for identical result")
		}
	}
}

type recordingRoomScores struct {
	roomID          chat.RoomID
	senderIsCreator bool
	delta           int
}

func (r *recordingRoomScores) ApplyScoreDelta(_ context.Context, roomID chat.RoomID, senderIsCreator bool, delta int) (int, int, error) {
	r.roomID = roomID
	r.senderIsCreator = senderIsCreator
	r.delta = delta
	return 3, 1, nil
}

func TestApplyRoutesDeltaBySenderIdentity(t *testing.T) {
	room := chat.Room{ID: "12345678", CreatedByID: "creator"}

	rooms := &recordingRoomScores{}
	player1, player2, err := Apply(context.Background(), rooms, room, "creator", 2)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if player1 != 3 || player2 != 1 {
		t.Fatalf("expected scores to pass through, got %d/%d", player1, player2)
	}
	if !rooms.senderIsCreator || rooms.delta != 2 {
		t.Fatalf("expected creator routing with delta 2, got %+v", rooms)
	}

	if _, _, err := Apply(context.Background(), rooms, room, "guest", -1); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if rooms.senderIsCreator {
		t.Fatalf("expected non-creator routing for guest sender")
	}
}

func TestApplyRejectsInvalidRoom(t *testing.T) {
	rooms := &recordingRoomScores{}
	if _, _, err := Apply(context.Background(), rooms, chat.Room{ID: "not-a-room"}, "creator", 1); err == nil {
		t.Fatalf("expected error for invalid room id")
	}
}
