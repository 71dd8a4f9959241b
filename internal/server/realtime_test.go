package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/annohub/internal/auth"
	"github.com/MarcoPoloResearchLab/annohub/internal/hub"
	"github.com/MarcoPoloResearchLab/annohub/internal/protocol"
	"github.com/MarcoPoloResearchLab/annohub/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testReadTimeout = 2 * time.Second

func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	return newTestHubWithConfig(t, hub.Config{})
}

func newTestHubWithConfig(t *testing.T, cfg hub.Config) *hub.Hub {
	t.Helper()
	if cfg.IDProvider == nil {
		cfg.IDProvider = hub.NewUUIDProvider()
	}
	testHub, err := hub.New(cfg)
	if err != nil {
		t.Fatalf("failed to build hub: %v", err)
	}
	t.Cleanup(testHub.Shutdown)
	return testHub
}

func newTestServer(t *testing.T, deps Dependencies) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Hub == nil {
		deps.Hub = newTestHub(t)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, query url.Values) *websocket.Conn {
	t.Helper()
	endpoint := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + query.Encode()
	ws, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func joinQuery(documentID, userID string) url.Values {
	return url.Values{"documentId": {documentID}, "userId": {userID}}
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(testReadTimeout)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	envelope, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("failed to decode frame %s: %v", data, err)
	}
	return envelope
}

func expectType(t *testing.T, ws *websocket.Conn, messageType string) protocol.Envelope {
	t.Helper()
	envelope := readEnvelope(t, ws)
	if envelope.Type != messageType {
		t.Fatalf("expected %s, got %s (%s)", messageType, envelope.Type, envelope.Payload)
	}
	return envelope
}

func expectErrorCode(t *testing.T, ws *websocket.Conn, code string) {
	t.Helper()
	envelope := expectType(t, ws, protocol.TypeError)
	payload, err := protocol.DecodePayload[protocol.ErrorPayload](envelope)
	if err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if payload.Code != code {
		t.Fatalf("expected error code %s, got %s", code, payload.Code)
	}
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(testReadTimeout)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("expected close code %d, got %v", code, err)
	}
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, messageType string, payload any) {
	t.Helper()
	envelope, err := protocol.NewEnvelope(messageType, payload, time.Now())
	if err != nil {
		t.Fatalf("failed to build envelope: %v", err)
	}
	data, err := protocol.Encode(envelope)
	if err != nil {
		t.Fatalf("failed to encode envelope: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

func TestWebsocketRelaysBetweenMembers(t *testing.T) {
	server := newTestServer(t, Dependencies{})

	alice := dial(t, server, joinQuery("doc-1", "alice"))
	expectType(t, alice, protocol.TypeRoomSnapshot)

	bob := dial(t, server, joinQuery("doc-1", "bob"))
	snapshotEnvelope := expectType(t, bob, protocol.TypeRoomSnapshot)
	snapshot, err := protocol.DecodePayload[protocol.RoomSnapshotPayload](snapshotEnvelope)
	if err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if len(snapshot.Members) != 2 {
		t.Fatalf("expected two members in snapshot, got %d", len(snapshot.Members))
	}
	expectType(t, alice, protocol.TypeUserJoined)

	sendEnvelope(t, alice, protocol.TypeCursorMove, protocol.CursorMovePayload{X: 4, Y: 2})
	moved, err := protocol.DecodePayload[protocol.CursorMovedPayload](expectType(t, bob, protocol.TypeCursorMoved))
	if err != nil {
		t.Fatalf("failed to decode cursor payload: %v", err)
	}
	if moved.UserID != "alice" || moved.X != 4 {
		t.Fatalf("unexpected cursor payload %+v", moved)
	}

	sendEnvelope(t, alice, protocol.TypeLockAcquire, protocol.LockAcquirePayload{AnnotationID: "ann-1"})
	expectType(t, alice, protocol.TypeAck)
	expectType(t, bob, protocol.TypeLockAcquired)

	if err := alice.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	left, err := protocol.DecodePayload[protocol.UserLeftPayload](expectType(t, bob, protocol.TypeUserLeft))
	if err != nil {
		t.Fatalf("failed to decode user left payload: %v", err)
	}
	if left.UserID != "alice" {
		t.Fatalf("unexpected user left payload %+v", left)
	}
	released, err := protocol.DecodePayload[protocol.LockReleasedPayload](expectType(t, bob, protocol.TypeLockReleased))
	if err != nil {
		t.Fatalf("failed to decode lock released payload: %v", err)
	}
	if released.AnnotationID != "ann-1" || released.Reason != protocol.ReleaseDisconnect {
		t.Fatalf("unexpected lock released payload %+v", released)
	}
}

func TestWebsocketRejectsMissingParameters(t *testing.T) {
	server := newTestServer(t, Dependencies{})

	ws := dial(t, server, url.Values{"userId": {"alice"}})
	expectClose(t, ws, protocol.CloseMissingParameters)
}

func TestWebsocketRequiresValidSession(t *testing.T) {
	secret := []byte("test-signing-secret")
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: secret, CookieName: "annohub_session"})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: secret})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	server := newTestServer(t, Dependencies{Sessions: validator, AuthRequired: true})

	anonymous := dial(t, server, url.Values{"documentId": {"doc-1"}, "userId": {"alice"}})
	expectClose(t, anonymous, protocol.CloseUnauthorized)

	forged := dial(t, server, url.Values{"documentId": {"doc-1"}, "authToken": {"forged.token.value"}})
	expectClose(t, forged, protocol.CloseUnauthorized)

	token, _, err := issuer.IssueSessionToken(auth.SessionIdentity{UserID: "alice", DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	ws := dial(t, server, url.Values{"documentId": {"doc-1"}, "authToken": {token}})
	snapshot, err := protocol.DecodePayload[protocol.RoomSnapshotPayload](expectType(t, ws, protocol.TypeRoomSnapshot))
	if err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.Self.UserID != "alice" || snapshot.Self.DisplayName != "Alice" {
		t.Fatalf("unexpected self member %+v", snapshot.Self)
	}
}

func TestWebsocketRejectsBeyondCapacity(t *testing.T) {
	testHub := newTestHubWithConfig(t, hub.Config{MaxConnections: 1})
	server := newTestServer(t, Dependencies{Hub: testHub})

	first := dial(t, server, joinQuery("doc-1", "alice"))
	expectType(t, first, protocol.TypeRoomSnapshot)

	second := dial(t, server, joinQuery("doc-1", "bob"))
	expectClose(t, second, protocol.CloseCapacityExceeded)
}

func TestWebsocketProtocolErrorsKeepConnectionOpen(t *testing.T) {
	server := newTestServer(t, Dependencies{Limits: ConnectionLimits{MaxMessageBytes: 128}})

	ws := dial(t, server, joinQuery("doc-1", "alice"))
	expectType(t, ws, protocol.TypeRoomSnapshot)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
	expectErrorCode(t, ws, protocol.CodeInvalidEnvelope)

	oversized := fmt.Sprintf(`{"type":"cursor:move","payload":{"annotationId":%q}}`, strings.Repeat("a", 160))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(oversized)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
	expectErrorCode(t, ws, protocol.CodeMessageTooLarge)

	sendEnvelope(t, ws, "annotation:future", map[string]string{"id": "x"})
	sendEnvelope(t, ws, protocol.TypePing, nil)
	expectType(t, ws, protocol.TypePong)
}

func TestWebsocketRateLimitsBursts(t *testing.T) {
	server := newTestServer(t, Dependencies{Limits: ConnectionLimits{MessageRate: 0.01, MessageBurst: 1}})

	ws := dial(t, server, joinQuery("doc-1", "alice"))
	expectType(t, ws, protocol.TypeRoomSnapshot)

	sendEnvelope(t, ws, protocol.TypePing, nil)
	sendEnvelope(t, ws, protocol.TypePing, nil)

	expectType(t, ws, protocol.TypePong)
	expectErrorCode(t, ws, protocol.CodeRateLimited)
}

func TestWebsocketUsesRememberedProfile(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:server_directory?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.Profile{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	directory, err := users.NewDirectory(users.DirectoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}
	server := newTestServer(t, Dependencies{Directory: directory})

	first := dial(t, server, url.Values{"documentId": {"doc-1"}, "userId": {"carol"}, "displayName": {"Carol"}, "avatarRef": {"avatars/carol.png"}})
	expectType(t, first, protocol.TypeRoomSnapshot)

	second := dial(t, server, joinQuery("doc-2", "carol"))
	snapshot, err := protocol.DecodePayload[protocol.RoomSnapshotPayload](expectType(t, second, protocol.TypeRoomSnapshot))
	if err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.Self.DisplayName != "Carol" || snapshot.Self.AvatarRef != "avatars/carol.png" {
		t.Fatalf("expected remembered profile, got %+v", snapshot.Self)
	}
}

func dialWithOrigin(server *httptest.Server, query url.Values, origin string) (*websocket.Conn, *http.Response, error) {
	endpoint := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + query.Encode()
	header := http.Header{}
	header.Set("Origin", origin)
	header.Set("Cookie", "annohub_session=victim-token")
	return websocket.DefaultDialer.Dial(endpoint, header)
}

func TestWebsocketRefusesForeignOrigins(t *testing.T) {
	testHub := newTestHub(t)
	server := newTestServer(t, Dependencies{Hub: testHub, AllowedOrigins: []string{"https://viewer.example.com"}})

	ws, response, err := dialWithOrigin(server, joinQuery("doc-1", "alice"), "https://attacker.example.net")
	if err == nil {
		_ = ws.Close()
		t.Fatalf("expected cross-origin upgrade to be refused")
	}
	if response == nil || response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden response, got %+v", response)
	}
	if stats := testHub.Stats(); stats.Connections != 0 {
		t.Fatalf("expected no registered connections, got %d", stats.Connections)
	}

	allowed, _, err := dialWithOrigin(server, joinQuery("doc-1", "alice"), "https://viewer.example.com")
	if err != nil {
		t.Fatalf("expected configured origin to connect: %v", err)
	}
	t.Cleanup(func() { _ = allowed.Close() })
	expectType(t, allowed, protocol.TypeRoomSnapshot)
}

func TestWebsocketRequiresSameOriginWithoutConfiguredOrigins(t *testing.T) {
	server := newTestServer(t, Dependencies{})

	if ws, _, err := dialWithOrigin(server, joinQuery("doc-1", "alice"), "https://attacker.example.net"); err == nil {
		_ = ws.Close()
		t.Fatalf("expected cross-origin upgrade to be refused")
	}

	sameOrigin, _, err := dialWithOrigin(server, joinQuery("doc-1", "alice"), server.URL)
	if err != nil {
		t.Fatalf("expected same-origin upgrade to succeed: %v", err)
	}
	t.Cleanup(func() { _ = sameOrigin.Close() })
	expectType(t, sameOrigin, protocol.TypeRoomSnapshot)
}
