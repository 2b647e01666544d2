package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/talkwell-labs/talkwell/backend/internal/analysis"
	"github.com/talkwell-labs/talkwell/backend/internal/auth"
	"github.com/talkwell-labs/talkwell/backend/internal/chat"
	"github.com/talkwell-labs/talkwell/backend/internal/poller"
	"github.com/talkwell-labs/talkwell/backend/internal/server"
	"github.com/talkwell-labs/talkwell/backend/internal/users"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newIntegrationServer(t *testing.T) *httptest.Server {
	t.Helper()
	dsn := fmt.Sprintf("file:integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&chat.Room{}, &chat.Message{}, &chat.Analysis{}, &users.Identity{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		Issuer:        "talkwell-auth",
		Audience:      "talkwell-api",
		TokenTTL:      time.Hour,
	})
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		IDProvider: chat.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to create chat service: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create users service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator: auth.NewSessionValidator(issuer),
		TokenIssuer:   issuer,
		ChatService:   chatService,
		Analyzer:      analysis.NewAnalyzer(analysis.AnalyzerConfig{}),
		Users:         usersService,
		IDProvider:    chat.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return testServer
}

func postJSON(t *testing.T, client *http.Client, url, token string, body, out interface{}) {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d for %s", response.StatusCode, url)
	}
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
}

func signInGuest(t *testing.T, client *http.Client, baseURL, displayName string) string {
	t.Helper()
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	postJSON(t, client, baseURL+"/auth/guest", "", map[string]string{"display_name": displayName}, &payload)
	if payload.AccessToken == "" {
		t.Fatalf("expected an access token")
	}
	return payload.AccessToken
}

// TestTwoPlayerRoomFlow drives the full loop: guest sign-in for two players,
// room creation, message exchange over HTTP, and delivery through the polling
// engine with analysis and scores riding along. The engine watches the room
// before any message is sent, so it first holds the messages bare and then
// picks up each analysis as the deferred pipeline attaches it.
func TestTwoPlayerRoomFlow(t *testing.T) {
	testServer := newIntegrationServer(t)
	client := testServer.Client()

	creatorToken := signInGuest(t, client, testServer.URL, "Ada")
	guestToken := signInGuest(t, client, testServer.URL, "Ben")

	var created struct {
		RoomID string `json:"room_id"`
	}
	postJSON(t, client, testServer.URL+"/rooms", creatorToken, map[string]string{}, &created)
	if len(created.RoomID) != 8 {
		t.Fatalf("expected 8-digit room code, got %q", created.RoomID)
	}

	// The creator opens the room so the creator slot is claimed.
	request, err := http.NewRequest(http.MethodGet, testServer.URL+"/rooms/"+created.RoomID, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+creatorToken)
	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("room open failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("room open status %d", response.StatusCode)
	}

	// The guest's poller engine watches the room through the real transport,
	// joining before anything is sent.
	fetcher, err := poller.NewHTTPFetcher(poller.HTTPFetcherConfig{
		BaseURL:    testServer.URL,
		Token:      guestToken,
		HTTPClient: client,
	})
	if err != nil {
		t.Fatalf("fetcher construction failed: %v", err)
	}
	engine, err := poller.NewEngine(fetcher, poller.Config{
		RoomID:           created.RoomID,
		BaselineInterval: 20 * time.Millisecond,
		FastInterval:     10 * time.Millisecond,
		RequestTimeout:   2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}
	defer engine.Stop()

	var sendResponse struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	postJSON(t, client, testServer.URL+"/rooms/"+created.RoomID+"/messages", creatorToken,
		map[string]string{"text": "I feel we have been talking past each other"}, &sendResponse)
	postJSON(t, client, testServer.URL+"/rooms/"+created.RoomID+"/messages", guestToken,
		map[string]string{"text": "you never take my side"}, nil)
	engine.NotifyLocalSend()

	deadline := time.Now().Add(10 * time.Second)
	var snapshot poller.Snapshot
	for {
		snapshot = engine.Snapshot()
		ready := len(snapshot.Messages) == 2 &&
			snapshot.Messages[0].Analysis != nil &&
			snapshot.Messages[1].Analysis != nil &&
			snapshot.Scores.Player1 == 1
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("engine never converged; snapshot: %+v", snapshot)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if snapshot.State != poller.StatePolling {
		t.Fatalf("expected steady polling, got %q", snapshot.State)
	}
	if snapshot.Messages[0].ID != sendResponse.Message.ID {
		t.Fatalf("expected creator message first, got %q", snapshot.Messages[0].ID)
	}
	if snapshot.Messages[0].Analysis.Verdict != "compliant" {
		t.Fatalf("expected compliant verdict for first-person message, got %q", snapshot.Messages[0].Analysis.Verdict)
	}
	if snapshot.Messages[1].Analysis.Verdict != "violation" {
		t.Fatalf("expected violation verdict for accusatory message, got %q", snapshot.Messages[1].Analysis.Verdict)
	}

	// The compliant message earns the creator +1; the guest's violation
	// cannot push the slot below zero.
	if snapshot.Scores.Player1 != 1 || snapshot.Scores.Player2 != 0 {
		t.Fatalf("expected scoreboard 1/0, got %d/%d", snapshot.Scores.Player1, snapshot.Scores.Player2)
	}
	if snapshot.Cursor == "" {
		t.Fatalf("expected the cursor to advance")
	}

	engine.Stop()
	if engine.Snapshot().State != poller.StateStopped {
		t.Fatalf("expected stopped state after teardown")
	}
}
