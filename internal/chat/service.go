package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// roomCodeAttempts bounds id generation retries before the create call
	// fails with ErrIDSpaceExhausted.
	roomCodeAttempts = 10
	// conversationWindow bounds the history handed to the analyzer.
	conversationWindow = 10
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingIDProvider   = errors.New("id provider is required")
	errMissingCodeProvider = errors.New("room code provider is required")
	noOpLogger             = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "chat.service.new"
	opGetOrCreate    = "chat.get_or_create_room"
	opCreateRoom     = "chat.create_room"
	opAppendMessage  = "chat.append_message"
	opListSince      = "chat.list_messages_since"
	opAttachAnalysis = "chat.attach_analysis"
	opAnalyzedSince  = "chat.analyzed_messages_since"
	opApplyDelta     = "chat.apply_score_delta"
	opRoomExists     = "chat.room_exists"
	opAnalysisFor    = "chat.analysis_for_message"
	opRoomFetch      = "chat.room"
	opConversation   = "chat.conversation"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies the chat service needs.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   IDProvider
	CodeProvider RoomCodeProvider
	Logger       *zap.Logger
}

// Service is the server-side authority for rooms, messages, analyses and
// score bookkeeping.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   IDProvider
	codeProvider RoomCodeProvider
	logger       *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	codeProvider := cfg.CodeProvider
	if codeProvider == nil {
		codeProvider = NewRandomCodeProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		codeProvider: codeProvider,
		logger:       logger,
	}, nil
}

// GetOrCreateRoom returns the room, creating it with zeroed scores on first
// access. Concurrent creators race benignly: an insert conflict means the
// other caller won and the stored row is returned.
func (s *Service) GetOrCreateRoom(ctx context.Context, roomID RoomID, requesterID string) (Room, error) {
	if strings.TrimSpace(requesterID) == "" {
		return Room{}, ErrUnauthenticated
	}

	var room Room
	err := s.db.WithContext(ctx).Where("id = ?", roomID.String()).Take(&room).Error
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opGetOrCreate, "room_select_failed", err, zap.String("room_id", roomID.String()))
		return Room{}, newServiceError(opGetOrCreate, "room_select_failed", err)
	}

	now := s.clock().UTC().Unix()
	room = Room{
		ID:               roomID.String(),
		CreatedByID:      requesterID,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	createErr := s.db.WithContext(ctx).Create(&room).Error
	if createErr == nil {
		s.logger.Info("room created on first access",
			zap.String("room_id", roomID.String()),
			zap.String("created_by", requesterID))
		return room, nil
	}

	// Insert conflict means another caller created the room between our
	// read and write. Re-read and return theirs.
	var existing Room
	if err := s.db.WithContext(ctx).Where("id = ?", roomID.String()).Take(&existing).Error; err != nil {
		s.logError(opGetOrCreate, "room_insert_failed", createErr, zap.String("room_id", roomID.String()))
		return Room{}, newServiceError(opGetOrCreate, "room_insert_failed", createErr)
	}
	return existing, nil
}

// Room returns the stored room without creating it.
func (s *Service) Room(ctx context.Context, roomID RoomID) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("id = ?", roomID.String()).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		s.logError(opRoomFetch, "room_select_failed", err, zap.String("room_id", roomID.String()))
		return Room{}, newServiceError(opRoomFetch, "room_select_failed", err)
	}
	return room, nil
}

// CreateRoom generates a fresh 8-digit code, retrying a bounded number of
// times on collision. The requester may be empty: anonymous rooms are
// permitted and simply have no creator slot.
func (s *Service) CreateRoom(ctx context.Context, requesterID string) (RoomID, error) {
	for attempt := 0; attempt < roomCodeAttempts; attempt++ {
		code, err := s.codeProvider.NewCode()
		if err != nil {
			s.logError(opCreateRoom, "code_generation_failed", err)
			return "", newServiceError(opCreateRoom, "code_generation_failed", err)
		}

		now := s.clock().UTC().Unix()
		room := Room{
			ID:               code.String(),
			CreatedByID:      strings.TrimSpace(requesterID),
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		createErr := s.db.WithContext(ctx).Create(&room).Error
		if createErr == nil {
			s.logger.Info("room created", zap.String("room_id", code.String()))
			return code, nil
		}

		var count int64
		if err := s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", code.String()).Count(&count).Error; err != nil {
			s.logError(opCreateRoom, "room_insert_failed", createErr, zap.String("room_id", code.String()))
			return "", newServiceError(opCreateRoom, "room_insert_failed", createErr)
		}
		if count == 0 {
			// Not a collision: the insert failed for infrastructure reasons.
			s.logError(opCreateRoom, "room_insert_failed", createErr, zap.String("room_id", code.String()))
			return "", newServiceError(opCreateRoom, "room_insert_failed", createErr)
		}
	}

	s.logError(opCreateRoom, "id_space_exhausted", ErrIDSpaceExhausted, zap.Int("attempts", roomCodeAttempts))
	return "", ErrIDSpaceExhausted
}

// AppendMessage persists a message with no analysis attached and returns it
// immediately. Analysis and scoring happen later through AttachAnalysis and
// ApplyScoreDelta.
func (s *Service) AppendMessage(ctx context.Context, roomID RoomID, sender Sender, text string) (Message, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	if len(content) > maxContentLength {
		content = truncateOnRuneBoundary(content, maxContentLength)
	}

	var room Room
	err := s.db.WithContext(ctx).Where("id = ?", roomID.String()).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, ErrRoomNotFound
	}
	if err != nil {
		s.logError(opAppendMessage, "room_select_failed", err, zap.String("room_id", roomID.String()))
		return Message{}, newServiceError(opAppendMessage, "room_select_failed", err)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppendMessage, "id_generation_failed", err, zap.String("room_id", roomID.String()))
		return Message{}, newServiceError(opAppendMessage, "id_generation_failed", err)
	}

	message := Message{
		ID:              messageID,
		RoomID:          roomID.String(),
		SenderID:        strings.TrimSpace(sender.UserID),
		DisplayName:     strings.TrimSpace(sender.DisplayName),
		Slot:            room.SlotFor(strings.TrimSpace(sender.UserID)),
		Content:         content,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opAppendMessage, "message_insert_failed", err,
			zap.String("room_id", roomID.String()),
			zap.String("message_id", messageID))
		return Message{}, newServiceError(opAppendMessage, "message_insert_failed", err)
	}

	return message, nil
}

// ListMessagesSince returns the room's messages in creation order, with
// analyses preloaded. When a cursor is given only messages strictly after
// the cursor's position are returned; the cursor is located by scanning the
// ordered sequence because identifiers are not sortable. An unknown cursor
// yields the full backlog so a client with stale state resynchronizes.
func (s *Service) ListMessagesSince(ctx context.Context, roomID RoomID, cursor string) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Preload("Analysis").
		Where("room_id = ?", roomID.String()).
		Order("created_at_ms ASC, id ASC").
		Find(&messages).Error
	if err != nil {
		s.logError(opListSince, "query_failed", err, zap.String("room_id", roomID.String()))
		return nil, newServiceError(opListSince, "query_failed", err)
	}

	trimmedCursor := strings.TrimSpace(cursor)
	if trimmedCursor == "" {
		return messages, nil
	}
	for index, message := range messages {
		if message.ID == trimmedCursor {
			return messages[index+1:], nil
		}
	}
	return messages, nil
}

// AttachAnalysis records the analysis for a message exactly once. The boolean
// reports whether this call performed the attachment; a message that already
// carries an analysis reference is left untouched and reported as false, so
// callers only apply scoring side effects on a fresh attachment.
func (s *Service) AttachAnalysis(ctx context.Context, messageID MessageID, record Analysis) (bool, error) {
	var attached bool
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var message Message
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", messageID.String()).
			Take(&message).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opAttachAnalysis, "message_not_found", err)
		}
		if err != nil {
			return newServiceError(opAttachAnalysis, "message_select_failed", err)
		}
		if message.AnalysisID != "" {
			return nil
		}

		analysisID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opAttachAnalysis, "id_generation_failed", err)
		}
		record.ID = analysisID
		record.MessageID = messageID.String()
		record.CreatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Create(&record).Error; err != nil {
			return newServiceError(opAttachAnalysis, "analysis_insert_failed", err)
		}

		update := tx.Model(&Message{}).
			Where("id = ? AND analysis_id = ''", messageID.String()).
			Update("analysis_id", analysisID)
		if update.Error != nil {
			return newServiceError(opAttachAnalysis, "message_update_failed", update.Error)
		}
		attached = update.RowsAffected == 1
		return nil
	})
	if txErr != nil {
		s.logError(opAttachAnalysis, "transaction_failed", txErr, zap.String("message_id", messageID.String()))
		return false, txErr
	}
	return attached, nil
}

// AnalyzedMessagesSince returns the room's messages whose analysis was
// attached at or after the given unix time, in creation order with analyses
// preloaded. Pollers use this to observe analyses that landed after their
// cursor had already moved past the message.
func (s *Service) AnalyzedMessagesSince(ctx context.Context, roomID RoomID, sinceSeconds int64) ([]Message, error) {
	attachedSince := s.db.Model(&Analysis{}).
		Select("message_id").
		Where("created_at_s >= ?", sinceSeconds)

	var messages []Message
	err := s.db.WithContext(ctx).
		Preload("Analysis").
		Where("room_id = ? AND analysis_id <> '' AND id IN (?)", roomID.String(), attachedSince).
		Order("created_at_ms ASC, id ASC").
		Find(&messages).Error
	if err != nil {
		s.logError(opAnalyzedSince, "query_failed", err, zap.String("room_id", roomID.String()))
		return nil, newServiceError(opAnalyzedSince, "query_failed", err)
	}
	return messages, nil
}

// ApplyScoreDelta adds the delta to the slot matching senderIsCreator inside
// a locking transaction, clamping each accumulator at zero. It returns both
// resulting scores.
func (s *Service) ApplyScoreDelta(ctx context.Context, roomID RoomID, senderIsCreator bool, delta int) (int, int, error) {
	var player1, player2 int
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room Room
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", roomID.String()).
			Take(&room).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return newServiceError(opApplyDelta, "room_select_failed", err)
		}

		if senderIsCreator {
			room.Player1Score = clampScore(room.Player1Score + delta)
		} else {
			room.Player2Score = clampScore(room.Player2Score + delta)
		}
		room.UpdatedAtSeconds = s.clock().UTC().Unix()

		if err := tx.Model(&Room{}).Where("id = ?", roomID.String()).Updates(map[string]interface{}{
			"player1_score": room.Player1Score,
			"player2_score": room.Player2Score,
			"updated_at_s":  room.UpdatedAtSeconds,
		}).Error; err != nil {
			return newServiceError(opApplyDelta, "room_update_failed", err)
		}

		player1 = room.Player1Score
		player2 = room.Player2Score
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrRoomNotFound) {
			s.logError(opApplyDelta, "transaction_failed", txErr, zap.String("room_id", roomID.String()))
		}
		return 0, 0, txErr
	}
	return player1, player2, nil
}

// AnalysisForMessage returns the stored analysis for a message. The boolean
// reports whether one exists; a message that was never analyzed is not an
// error.
func (s *Service) AnalysisForMessage(ctx context.Context, messageID MessageID) (Analysis, bool, error) {
	var message Message
	err := s.db.WithContext(ctx).Where("id = ?", messageID.String()).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Analysis{}, false, ErrMessageNotFound
	}
	if err != nil {
		s.logError(opAnalysisFor, "message_select_failed", err, zap.String("message_id", messageID.String()))
		return Analysis{}, false, newServiceError(opAnalysisFor, "message_select_failed", err)
	}
	if message.AnalysisID == "" {
		return Analysis{}, false, nil
	}

	var record Analysis
	err = s.db.WithContext(ctx).Where("message_id = ?", messageID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Analysis{}, false, nil
	}
	if err != nil {
		s.logError(opAnalysisFor, "analysis_select_failed", err, zap.String("message_id", messageID.String()))
		return Analysis{}, false, newServiceError(opAnalysisFor, "analysis_select_failed", err)
	}
	return record, true, nil
}

// RoomExists reports whether the room is present, without creating it. The
// reconnect health probe uses this as its lightweight existence check.
func (s *Service) RoomExists(ctx context.Context, roomID RoomID) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", roomID.String()).Count(&count).Error; err != nil {
		s.logError(opRoomExists, "query_failed", err, zap.String("room_id", roomID.String()))
		return false, newServiceError(opRoomExists, "query_failed", err)
	}
	return count > 0, nil
}

// Conversation returns the most recent messages of a room in creation order,
// bounded to the analyzer's context window.
func (s *Service) Conversation(ctx context.Context, roomID RoomID) ([]Message, error) {
	var recent []Message
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID.String()).
		Order("created_at_ms DESC, id DESC").
		Limit(conversationWindow).
		Find(&recent).Error
	if err != nil {
		s.logError(opConversation, "query_failed", err, zap.String("room_id", roomID.String()))
		return nil, newServiceError(opConversation, "query_failed", err)
	}
	for left, right := 0, len(recent)-1; left < right; left, right = left+1, right-1 {
		recent[left], recent[right] = recent[right], recent[left]
	}
	return recent, nil
}

// truncateOnRuneBoundary cuts the string to at most limit bytes, backing up
// so a multi-byte rune straddling the limit is dropped whole rather than
// split into invalid UTF-8.
func truncateOnRuneBoundary(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func clampScore(value int) int {
	if value < 0 {
		return 0
	}
	return value
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat service error", attrs...)
}
