// Package scoring maps analysis results onto signed score deltas and routes
// them to the correct player slot.
package scoring

import (
	"context"

	"github.com/talkwell-labs/talkwell/backend/internal/analysis"
	"github.com/talkwell-labs/talkwell/backend/internal/chat"
)

// Delta maps an analysis result to a signed point delta for the sender.
// The verdict drives the sign; risk modulates only the penalty side:
//
//	compliant, any risk      +1
//	violation, high risk     -2
//	violation, other risk    -1
//
// The function is pure: identical results always yield identical deltas.
func Delta(result analysis.Result) int {
	switch result.Verdict {
	case analysis.VerdictViolation:
		if result.Risk == analysis.RiskHigh {
			return -2
		}
		return -1
	default:
		return 1
	}
}

// RoomScores delegates the atomic slot update; chat.Service satisfies it.
type RoomScores interface {
	ApplyScoreDelta(ctx context.Context, roomID chat.RoomID, senderIsCreator bool, delta int) (int, int, error)
}

// Apply routes the delta to the slot matching the sender's relation to the
// room creator and returns both resulting scores. Slot routing is identity
// based, never arrival-order based.
func Apply(ctx context.Context, rooms RoomScores, room chat.Room, senderID string, delta int) (int, int, error) {
	roomID, err := chat.NewRoomID(room.ID)
	if err != nil {
		return 0, 0, err
	}
	senderIsCreator := room.SlotFor(senderID) == chat.SlotPlayer1
	return rooms.ApplyScoreDelta(ctx, roomID, senderIsCreator, delta)
}
