package server

import (
	"context"
	"time"

	"github.com/talkwell-labs/talkwell/backend/internal/analysis"
	"github.com/talkwell-labs/talkwell/backend/internal/chat"
	"github.com/talkwell-labs/talkwell/backend/internal/scoring"
	"go.uber.org/zap"
)

const pipelineTimeout = 30 * time.Second

// analysisPipeline runs the deferred analyze → attach → score sequence for a
// persisted message. Failures are logged and swallowed: the message is
// already visible to pollers and the send path never depends on analyzer
// health.
type analysisPipeline struct {
	chatService *chat.Service
	analyzer    *analysis.Analyzer
	logger      *zap.Logger
}

func newAnalysisPipeline(chatService *chat.Service, analyzer *analysis.Analyzer, logger *zap.Logger) *analysisPipeline {
	return &analysisPipeline{
		chatService: chatService,
		analyzer:    analyzer,
		logger:      logger,
	}
}

// ProcessAsync runs Process on its own goroutine with a bounded deadline,
// detached from the request context so a closed connection does not abort
// scoring.
func (p *analysisPipeline) ProcessAsync(room chat.Room, message chat.Message) {
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				p.logger.Error("analysis pipeline panic",
					zap.Any("panic", recovered),
					zap.String("message_id", message.ID))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), pipelineTimeout)
		defer cancel()
		p.Process(ctx, room, message)
	}()
}

// Process analyzes one message, attaches the result, and applies the score
// delta to the sender's slot.
func (p *analysisPipeline) Process(ctx context.Context, room chat.Room, message chat.Message) {
	roomID, err := chat.NewRoomID(room.ID)
	if err != nil {
		p.logger.Error("pipeline given invalid room id", zap.Error(err), zap.String("room_id", room.ID))
		return
	}

	history, err := p.chatService.Conversation(ctx, roomID)
	if err != nil {
		// The analyzer tolerates missing history; the heuristic only needs
		// the message text.
		p.logger.Warn("conversation history unavailable", zap.Error(err), zap.String("room_id", room.ID))
		history = nil
	}

	result := p.analyzer.Analyze(ctx, buildTurns(history, message.ID), analysis.Subject{
		Sender:   senderName(message),
		Receiver: receiverName(history, message),
		Text:     message.Content,
	}, "")

	messageID, err := chat.NewMessageID(message.ID)
	if err != nil {
		p.logger.Error("pipeline given invalid message id", zap.Error(err), zap.String("message_id", message.ID))
		return
	}
	attached, err := p.chatService.AttachAnalysis(ctx, messageID, chat.Analysis{
		Verdict:        string(result.Verdict),
		SenderState:    result.SenderState,
		ReceiverImpact: result.ReceiverImpact,
		Evidence:       result.Evidence,
		Suggestion:     result.Suggestion,
		Risk:           string(result.Risk),
	})
	if err != nil {
		p.logger.Error("failed to attach analysis", zap.Error(err), zap.String("message_id", message.ID))
		return
	}
	if !attached {
		// Another run already attached and scored this message.
		p.logger.Info("analysis already attached, skipping score", zap.String("message_id", message.ID))
		return
	}

	delta := scoring.Delta(result)
	player1, player2, err := scoring.Apply(ctx, p.chatService, room, message.SenderID, delta)
	if err != nil {
		p.logger.Error("failed to apply score delta",
			zap.Error(err),
			zap.String("room_id", room.ID),
			zap.Int("delta", delta))
		return
	}

	p.logger.Info("message scored",
		zap.String("room_id", room.ID),
		zap.String("message_id", message.ID),
		zap.String("verdict", string(result.Verdict)),
		zap.String("risk", string(result.Risk)),
		zap.Int("delta", delta),
		zap.Int("player1_score", player1),
		zap.Int("player2_score", player2))
}

// buildTurns converts the stored history into analyzer turns, excluding the
// message under analysis itself.
func buildTurns(history []chat.Message, subjectID string) []analysis.Turn {
	turns := make([]analysis.Turn, 0, len(history))
	for _, item := range history {
		if item.ID == subjectID {
			continue
		}
		turns = append(turns, analysis.Turn{
			Sender: senderName(item),
			Text:   item.Content,
			TimeS:  item.CreatedAtMillis / 1000,
		})
	}
	return turns
}

func senderName(message chat.Message) string {
	if message.DisplayName != "" {
		return message.DisplayName
	}
	return string(message.Slot)
}

// receiverName resolves the most recent counterpart's display name, falling
// back to the opposite slot label.
func receiverName(history []chat.Message, message chat.Message) string {
	for index := len(history) - 1; index >= 0; index-- {
		if history[index].Slot != message.Slot {
			return senderName(history[index])
		}
	}
	if message.Slot == chat.SlotPlayer1 {
		return string(chat.SlotPlayer2)
	}
	return string(chat.SlotPlayer1)
}
