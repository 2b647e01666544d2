package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/talkwell-labs/talkwell/backend/internal/analysis"
	"github.com/talkwell-labs/talkwell/backend/internal/auth"
	"github.com/talkwell-labs/talkwell/backend/internal/chat"
	"github.com/talkwell-labs/talkwell/backend/internal/users"
	"go.uber.org/zap"
)

const (
	userIDContextKey      = "talkwell_user_id"
	displayNameContextKey = "talkwell_display_name"
)

var (
	errMissingSessionAuthenticator = errors.New("session authenticator dependency required")
	errMissingTokenIssuer          = errors.New("token issuer dependency required")
	errMissingChatService          = errors.New("chat service dependency required")
	errMissingAnalyzer             = errors.New("analyzer dependency required")
	errMissingIDProvider           = errors.New("id provider dependency required")
)

// SessionAuthenticator resolves the caller's identity from a request.
type SessionAuthenticator interface {
	ValidateRequest(r *http.Request) (auth.Session, error)
}

// TokenIssuer mints session tokens for guest sign-in.
type TokenIssuer interface {
	IssueSessionToken(ctx context.Context, subject, displayName string) (string, int64, error)
}

// Dependencies wires the HTTP surface to the core services.
type Dependencies struct {
	Authenticator SessionAuthenticator
	TokenIssuer   TokenIssuer
	ChatService   *chat.Service
	Analyzer      *analysis.Analyzer
	Users         *users.Service
	IDProvider    chat.IDProvider
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router implementing the transport contract.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingSessionAuthenticator
	}
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.ChatService == nil {
		return nil, errMissingChatService
	}
	if deps.Analyzer == nil {
		return nil, errMissingAnalyzer
	}
	if deps.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		tokens:        deps.TokenIssuer,
		chatService:   deps.ChatService,
		usersService:  deps.Users,
		idProvider:    deps.IDProvider,
		pipeline:      newAnalysisPipeline(deps.ChatService, deps.Analyzer, logger),
		logger:        logger,
	}

	router.POST("/auth/guest", handler.handleGuestAuth)

	// Room creation tolerates anonymous callers; everything else requires a
	// session.
	router.POST("/rooms", handler.attachSessionIfPresent, handler.handleCreateRoom)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/rooms/:id", handler.handleRoomSnapshot)
	protected.HEAD("/rooms/:id", handler.handleRoomProbe)
	protected.GET("/rooms/:id/messages", handler.handlePollMessages)
	protected.POST("/rooms/:id/messages", handler.handleSendMessage)
	protected.GET("/messages/:id/analysis", handler.handleMessageAnalysis)

	return router, nil
}

type httpHandler struct {
	authenticator SessionAuthenticator
	tokens        TokenIssuer
	chatService   *chat.Service
	usersService  *users.Service
	idProvider    chat.IDProvider
	pipeline      *analysisPipeline
	logger        *zap.Logger
}

type guestAuthRequestPayload struct {
	DisplayName string `json:"display_name"`
}

type guestAuthResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleGuestAuth(c *gin.Context) {
	var request guestAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DisplayName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	displayName := strings.TrimSpace(request.DisplayName)

	userID, err := h.idProvider.NewID()
	if err != nil {
		h.logger.Error("failed to generate user id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user_id_generation_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), userID, displayName)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	if h.usersService != nil {
		if err := h.usersService.RecordSignIn(userID, displayName); err != nil {
			h.logger.Warn("failed to record sign-in", zap.Error(err), zap.String("user_id", userID))
		}
	}

	c.JSON(http.StatusOK, guestAuthResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      userID,
	})
}

type createRoomResponsePayload struct {
	RoomID string `json:"room_id"`
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	roomID, err := h.chatService.CreateRoom(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		if errors.Is(err, chat.ErrIDSpaceExhausted) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room_id_space_exhausted"})
			return
		}
		h.logger.Error("failed to create room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room_create_failed"})
		return
	}
	c.JSON(http.StatusOK, createRoomResponsePayload{RoomID: roomID.String()})
}

type roomPayload struct {
	ID               string `json:"id"`
	CreatedByID      string `json:"created_by_id"`
	Player1Score     int    `json:"player1_score"`
	Player2Score     int    `json:"player2_score"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

type roomSnapshotResponsePayload struct {
	Room     roomPayload      `json:"room"`
	Messages []messagePayload `json:"messages"`
}

type messagePayload struct {
	ID              string           `json:"id"`
	RoomID          string           `json:"room_id"`
	SenderID        string           `json:"sender_id"`
	DisplayName     string           `json:"display_name"`
	Slot            string           `json:"slot"`
	Content         string           `json:"content"`
	CreatedAtMillis int64            `json:"created_at_ms"`
	Analysis        *analysisPayload `json:"analysis,omitempty"`
}

type analysisPayload struct {
	Verdict        string `json:"verdict"`
	SenderState    string `json:"sender_state"`
	ReceiverImpact string `json:"receiver_impact"`
	Evidence       string `json:"evidence"`
	Suggestion     string `json:"suggestion"`
	Risk           string `json:"risk"`
}

func (h *httpHandler) handleRoomSnapshot(c *gin.Context) {
	roomID, ok := h.parseRoomID(c)
	if !ok {
		return
	}

	room, err := h.chatService.GetOrCreateRoom(c.Request.Context(), roomID, c.GetString(userIDContextKey))
	if err != nil {
		if errors.Is(err, chat.ErrUnauthenticated) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to get or create room", zap.Error(err), zap.String("room_id", roomID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room_fetch_failed"})
		return
	}

	messages, err := h.chatService.ListMessagesSince(c.Request.Context(), roomID, "")
	if err != nil {
		h.logger.Error("failed to list room backlog", zap.Error(err), zap.String("room_id", roomID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room_fetch_failed"})
		return
	}

	c.JSON(http.StatusOK, roomSnapshotResponsePayload{
		Room: roomPayload{
			ID:               room.ID,
			CreatedByID:      room.CreatedByID,
			Player1Score:     room.Player1Score,
			Player2Score:     room.Player2Score,
			CreatedAtSeconds: room.CreatedAtSeconds,
			UpdatedAtSeconds: room.UpdatedAtSeconds,
		},
		Messages: toMessagePayloads(messages),
	})
}

func (h *httpHandler) handleRoomProbe(c *gin.Context) {
	roomID, ok := h.parseRoomID(c)
	if !ok {
		return
	}
	exists, err := h.chatService.RoomExists(c.Request.Context(), roomID)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	if !exists {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusOK)
}

type scoresPayload struct {
	Player1Score int    `json:"player1_score"`
	Player2Score int    `json:"player2_score"`
	CreatedByID  string `json:"created_by_id"`
}

type pollResponsePayload struct {
	Messages    []messagePayload `json:"messages"`
	Scores      *scoresPayload   `json:"scores"`
	ServerTimeS int64            `json:"server_time_s"`
}

func (h *httpHandler) handlePollMessages(c *gin.Context) {
	roomID, ok := h.parseRoomID(c)
	if !ok {
		return
	}

	// Stamped before the queries run so an analysis attached mid-request
	// still lands at or after the time the client echoes back next poll.
	serverTime := time.Now().UTC().Unix()

	room, err := h.chatService.Room(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
			return
		}
		h.logger.Error("failed to load room", zap.Error(err), zap.String("room_id", roomID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "poll_failed"})
		return
	}

	cursor := strings.TrimSpace(c.Query("after"))
	messages, err := h.chatService.ListMessagesSince(c.Request.Context(), roomID, cursor)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err), zap.String("room_id", roomID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "poll_failed"})
		return
	}

	// Analysis attaches after the message is first delivered, so a cursor
	// client has usually moved past the message by then. Re-deliver messages
	// whose analysis landed since the client's last poll; the client merges
	// the analysis onto its held copy.
	if sinceSeconds, parseErr := strconv.ParseInt(c.Query("analyses_since"), 10, 64); parseErr == nil && sinceSeconds > 0 && cursor != "" {
		redelivered, redeliverErr := h.chatService.AnalyzedMessagesSince(c.Request.Context(), roomID, sinceSeconds)
		if redeliverErr != nil {
			h.logger.Error("failed to list late analyses", zap.Error(redeliverErr), zap.String("room_id", roomID.String()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "poll_failed"})
			return
		}
		messages = prependRedelivered(redelivered, messages)
	}

	c.JSON(http.StatusOK, pollResponsePayload{
		Messages: toMessagePayloads(messages),
		Scores: &scoresPayload{
			Player1Score: room.Player1Score,
			Player2Score: room.Player2Score,
			CreatedByID:  room.CreatedByID,
		},
		ServerTimeS: serverTime,
	})
}

// prependRedelivered places re-delivered analyzed messages ahead of the
// after-cursor tail so the combined slice stays in creation order, skipping
// any message the tail already carries.
func prependRedelivered(redelivered, tail []chat.Message) []chat.Message {
	if len(redelivered) == 0 {
		return tail
	}
	seen := make(map[string]struct{}, len(tail))
	for _, message := range tail {
		seen[message.ID] = struct{}{}
	}
	combined := make([]chat.Message, 0, len(redelivered)+len(tail))
	for _, message := range redelivered {
		if _, dup := seen[message.ID]; !dup {
			combined = append(combined, message)
		}
	}
	return append(combined, tail...)
}

type sendMessageRequestPayload struct {
	Text string `json:"text"`
}

type sendMessageResponsePayload struct {
	Message messagePayload `json:"message"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	roomID, ok := h.parseRoomID(c)
	if !ok {
		return
	}

	var request sendMessageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// The room is loaded up front so the enrichment below never issues a
	// read on the request context after the response is written; a client
	// disconnecting right after the 200 must not skip analysis.
	room, err := h.chatService.Room(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
			return
		}
		h.logger.Error("failed to load room", zap.Error(err), zap.String("room_id", roomID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "message_send_failed"})
		return
	}

	sender := chat.Sender{
		UserID:      c.GetString(userIDContextKey),
		DisplayName: c.GetString(displayNameContextKey),
	}
	message, err := h.chatService.AppendMessage(c.Request.Context(), roomID, sender, request.Text)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyContent):
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty_content"})
		case errors.Is(err, chat.ErrRoomNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		default:
			h.logger.Error("failed to append message", zap.Error(err), zap.String("room_id", roomID.String()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "message_send_failed"})
		}
		return
	}

	// Analysis and scoring are best-effort enrichments; they run detached
	// so the sender sees the message accepted regardless of analyzer health.
	h.pipeline.ProcessAsync(room, message)

	c.JSON(http.StatusOK, sendMessageResponsePayload{Message: toMessagePayload(message)})
}

type messageAnalysisResponsePayload struct {
	Analysis analysisPayload `json:"analysis"`
}

// handleMessageAnalysis serves the stored analysis for one message, or a
// neutral placeholder when analysis never completed, so the lazy detail view
// always renders.
func (h *httpHandler) handleMessageAnalysis(c *gin.Context) {
	rawID := c.Param("id")
	messageID, err := chat.NewMessageID(rawID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message_id"})
		return
	}

	stored, found, err := h.chatService.AnalysisForMessage(c.Request.Context(), messageID)
	if err != nil {
		if errors.Is(err, chat.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message_not_found"})
			return
		}
		h.logger.Error("failed to load analysis", zap.Error(err), zap.String("message_id", messageID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis_fetch_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusOK, messageAnalysisResponsePayload{Analysis: analysisPayload{
			Verdict:        string(analysis.VerdictCompliant),
			SenderState:    "Neutral",
			ReceiverImpact: "Neutral",
			Evidence:       "No detailed analysis is available for this message.",
			Suggestion:     "Continue the conversation naturally.",
			Risk:           string(analysis.RiskLow),
		}})
		return
	}

	c.JSON(http.StatusOK, messageAnalysisResponsePayload{Analysis: analysisPayload{
		Verdict:        stored.Verdict,
		SenderState:    stored.SenderState,
		ReceiverImpact: stored.ReceiverImpact,
		Evidence:       stored.Evidence,
		Suggestion:     stored.Suggestion,
		Risk:           stored.Risk,
	}})
}

func (h *httpHandler) parseRoomID(c *gin.Context) (chat.RoomID, bool) {
	roomID, err := chat.NewRoomID(c.Param("id"))
	if err != nil {
		if c.Request.Method == http.MethodHead {
			c.Status(http.StatusNotFound)
		} else {
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		}
		return "", false
	}
	return roomID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	session, err := h.authenticator.ValidateRequest(c.Request)
	if err != nil {
		if c.Request.Method == http.MethodHead {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, session.UserID)
	c.Set(displayNameContextKey, session.DisplayName)
	c.Next()
}

// attachSessionIfPresent resolves the session when a token is supplied but
// lets anonymous callers through with no identity set.
func (h *httpHandler) attachSessionIfPresent(c *gin.Context) {
	session, err := h.authenticator.ValidateRequest(c.Request)
	if err == nil {
		c.Set(userIDContextKey, session.UserID)
		c.Set(displayNameContextKey, session.DisplayName)
	}
	c.Next()
}

func toMessagePayloads(messages []chat.Message) []messagePayload {
	payloads := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, toMessagePayload(message))
	}
	return payloads
}

func toMessagePayload(message chat.Message) messagePayload {
	payload := messagePayload{
		ID:              message.ID,
		RoomID:          message.RoomID,
		SenderID:        message.SenderID,
		DisplayName:     message.DisplayName,
		Slot:            string(message.Slot),
		Content:         message.Content,
		CreatedAtMillis: message.CreatedAtMillis,
	}
	if message.Analysis != nil {
		payload.Analysis = &analysisPayload{
			Verdict:        message.Analysis.Verdict,
			SenderState:    message.Analysis.SenderState,
			ReceiverImpact: message.Analysis.ReceiverImpact,
			Evidence:       message.Analysis.Evidence,
			Suggestion:     message.Analysis.Suggestion,
			Risk:           message.Analysis.Risk,
		}
	}
	return payload
}
