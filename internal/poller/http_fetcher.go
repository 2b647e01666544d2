package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPFetcherConfig configures the REST transport the engine polls through.
type HTTPFetcherConfig struct {
	BaseURL string
	// Token is the bearer session token; the server answers 401 when it
	// expires, which the fetcher surfaces as ErrAuthExpired.
	Token      string
	HTTPClient *http.Client
}

// HTTPFetcher implements Fetcher against the talkwell REST contract.
type HTTPFetcher struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPFetcher constructs an HTTPFetcher. Request deadlines come from the
// contexts the engine passes in, so the underlying client carries none.
func NewHTTPFetcher(cfg HTTPFetcherConfig) (*HTTPFetcher, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("poller: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPFetcher{
		baseURL:    base,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
	}, nil
}

type pollAnalysisPayload struct {
	Verdict        string `json:"verdict"`
	SenderState    string `json:"sender_state"`
	ReceiverImpact string `json:"receiver_impact"`
	Evidence       string `json:"evidence"`
	Suggestion     string `json:"suggestion"`
	Risk           string `json:"risk"`
}

type pollMessagePayload struct {
	ID              string               `json:"id"`
	RoomID          string               `json:"room_id"`
	SenderID        string               `json:"sender_id"`
	DisplayName     string               `json:"display_name"`
	Slot            string               `json:"slot"`
	Content         string               `json:"content"`
	CreatedAtMillis int64                `json:"created_at_ms"`
	Analysis        *pollAnalysisPayload `json:"analysis,omitempty"`
}

type pollScoresPayload struct {
	Player1Score int    `json:"player1_score"`
	Player2Score int    `json:"player2_score"`
	CreatedByID  string `json:"created_by_id"`
}

type pollResponsePayload struct {
	Messages    []pollMessagePayload `json:"messages"`
	Scores      *pollScoresPayload   `json:"scores"`
	ServerTimeS int64                `json:"server_time_s"`
}

// FetchSince implements Fetcher.
func (f *HTTPFetcher) FetchSince(ctx context.Context, roomID, cursor string, analysesSince int64) (Batch, error) {
	endpoint := fmt.Sprintf("%s/rooms/%s/messages", f.baseURL, url.PathEscape(roomID))
	query := url.Values{}
	if cursor != "" {
		query.Set("after", cursor)
		if analysesSince > 0 {
			query.Set("analyses_since", strconv.FormatInt(analysesSince, 10))
		}
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Batch{}, err
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Cache-Control", "no-cache")
	f.authorize(request)

	response, err := f.httpClient.Do(request)
	if err != nil {
		return Batch{}, f.classifyTransportError(ctx, err)
	}
	defer response.Body.Close()

	if err := classifyStatus(response.StatusCode); err != nil {
		return Batch{}, err
	}

	raw, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return Batch{}, fmt.Errorf("%w: reading poll response: %v", ErrTransient, err)
	}
	var payload pollResponsePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Batch{}, fmt.Errorf("%w: decoding poll response: %v", ErrTransient, err)
	}

	batch := Batch{ServerTimeS: payload.ServerTimeS}
	for _, item := range payload.Messages {
		message := Message{
			ID:              item.ID,
			RoomID:          item.RoomID,
			SenderID:        item.SenderID,
			DisplayName:     item.DisplayName,
			Slot:            item.Slot,
			Content:         item.Content,
			CreatedAtMillis: item.CreatedAtMillis,
		}
		if item.Analysis != nil {
			message.Analysis = &MessageAnalysis{
				Verdict:        item.Analysis.Verdict,
				SenderState:    item.Analysis.SenderState,
				ReceiverImpact: item.Analysis.ReceiverImpact,
				Evidence:       item.Analysis.Evidence,
				Suggestion:     item.Analysis.Suggestion,
				Risk:           item.Analysis.Risk,
			}
		}
		batch.Messages = append(batch.Messages, message)
	}
	if payload.Scores != nil {
		batch.Scores = &Scores{
			Player1:     payload.Scores.Player1Score,
			Player2:     payload.Scores.Player2Score,
			CreatedByID: payload.Scores.CreatedByID,
		}
	}
	return batch, nil
}

// ProbeRoom implements Fetcher using the HEAD existence check.
func (f *HTTPFetcher) ProbeRoom(ctx context.Context, roomID string) error {
	endpoint := fmt.Sprintf("%s/rooms/%s", f.baseURL, url.PathEscape(roomID))
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return err
	}
	f.authorize(request)

	response, err := f.httpClient.Do(request)
	if err != nil {
		return f.classifyTransportError(ctx, err)
	}
	defer response.Body.Close()
	return classifyStatus(response.StatusCode)
}

func (f *HTTPFetcher) authorize(request *http.Request) {
	if f.token != "" {
		request.Header.Set("Authorization", "Bearer "+f.token)
	}
}

// classifyTransportError separates teardown cancellation from retriable
// network failures (refused connections, resets, DNS failures, timeouts).
func (f *HTTPFetcher) classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return context.Canceled
	}
	if ctx.Err() == context.DeadlineExceeded {
		return context.DeadlineExceeded
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func classifyStatus(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode <= 299:
		return nil
	case statusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case statusCode == http.StatusBadGateway,
		statusCode == http.StatusServiceUnavailable,
		statusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrTransient, statusCode)
	default:
		return fmt.Errorf("poller: unexpected status %d", statusCode)
	}
}
