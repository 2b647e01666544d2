package chat

import (
	"errors"
	"fmt"
	"strings"
)

// Slot identifies which of the two scoring positions a sender occupies.
type Slot string

const (
	// SlotPlayer1 is the position held by the room creator.
	SlotPlayer1 Slot = "player1"
	// SlotPlayer2 is the position held by everyone else.
	SlotPlayer2 Slot = "player2"
)

const (
	roomCodeLength      = 8
	maxIdentifierLength = 190
	maxContentLength    = 4000
)

var (
	// ErrUnauthenticated indicates the caller supplied no identity.
	ErrUnauthenticated = errors.New("chat: authentication required")
	// ErrRoomNotFound indicates the referenced room does not exist.
	ErrRoomNotFound = errors.New("chat: room not found")
	// ErrEmptyContent indicates a message body was empty after trimming.
	ErrEmptyContent = errors.New("chat: message content is empty")
	// ErrMessageNotFound indicates the referenced message does not exist.
	ErrMessageNotFound = errors.New("chat: message not found")
	// ErrIDSpaceExhausted indicates room code generation kept colliding.
	ErrIDSpaceExhausted = errors.New("chat: room id space exhausted")
	// ErrInvalidRoomID indicates a room identifier is not an 8-digit code.
	ErrInvalidRoomID = errors.New("chat: invalid room id")
	// ErrInvalidMessageID indicates a message identifier is empty or oversized.
	ErrInvalidMessageID = errors.New("chat: invalid message id")
)

// RoomID represents a validated 8-digit room code.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) != roomCodeLength {
		return "", fmt.Errorf("%w: want %d digits, got %q", ErrInvalidRoomID, roomCodeLength, rawInput)
	}
	for _, ch := range trimmed {
		if ch < '0' || ch > '9' {
			return "", fmt.Errorf("%w: non-digit in %q", ErrInvalidRoomID, rawInput)
		}
	}
	return RoomID(trimmed), nil
}

// String returns the underlying room code.
func (id RoomID) String() string {
	return string(id)
}

// MessageID represents a validated opaque message identifier. Identifiers
// order messages only through their position in the stored sequence; they
// are never compared lexicographically.
type MessageID string

// NewMessageID validates raw input and returns a MessageID.
func NewMessageID(rawInput string) (MessageID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMessageID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidMessageID, maxIdentifierLength)
	}
	return MessageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MessageID) String() string {
	return string(id)
}

// Sender carries the identity stamped onto an appended message.
type Sender struct {
	UserID      string
	DisplayName string
}

// Room models a two-player room with its score accumulators. CreatedByID is
// empty for anonymous rooms.
type Room struct {
	ID               string `gorm:"column:id;primaryKey;size:8;not null"`
	CreatedByID      string `gorm:"column:created_by_id;size:190;not null;default:''"`
	Player1Score     int    `gorm:"column:player1_score;not null;default:0"`
	Player2Score     int    `gorm:"column:player2_score;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// SlotFor maps a sender identity onto one of the two score slots. Only an
// exact match against the recorded creator occupies player1; in anonymous
// rooms the creator id is empty and no sender can match it.
func (r Room) SlotFor(senderID string) Slot {
	if r.CreatedByID != "" && senderID == r.CreatedByID {
		return SlotPlayer1
	}
	return SlotPlayer2
}

// Message models one immutable chat message. AnalysisID transitions from
// empty to set exactly once, or stays empty when analysis never completes.
type Message struct {
	ID              string    `gorm:"column:id;primaryKey;size:190;not null"`
	RoomID          string    `gorm:"column:room_id;size:8;not null;index:idx_messages_room_time,priority:1"`
	SenderID        string    `gorm:"column:sender_id;size:190;not null;default:''"`
	DisplayName     string    `gorm:"column:display_name;size:320;not null;default:''"`
	Slot            Slot      `gorm:"column:slot;size:16;not null"`
	Content         string    `gorm:"column:content;type:text;not null"`
	AnalysisID      string    `gorm:"column:analysis_id;size:190;not null;default:''"`
	CreatedAtMillis int64     `gorm:"column:created_at_ms;not null;index:idx_messages_room_time,priority:2"`
	Analysis        *Analysis `gorm:"foreignKey:MessageID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Analysis is the persisted verdict attached to at most one message. The
// verdict and risk columns hold the analysis package's enum values.
type Analysis struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	MessageID        string `gorm:"column:message_id;size:190;not null;uniqueIndex"`
	Verdict          string `gorm:"column:verdict;size:16;not null"`
	SenderState      string `gorm:"column:sender_state;type:text;not null"`
	ReceiverImpact   string `gorm:"column:receiver_impact;type:text;not null"`
	Evidence         string `gorm:"column:evidence;type:text;not null"`
	Suggestion       string `gorm:"column:suggestion;type:text;not null"`
	Risk             string `gorm:"column:risk;size:16;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Analysis) TableName() string {
	return "message_analyses"
}
