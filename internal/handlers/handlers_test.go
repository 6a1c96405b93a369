package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossy-p/counsel-signaling/config"
	"github.com/mossy-p/counsel-signaling/internal/middleware"
	"github.com/mossy-p/counsel-signaling/internal/models"
	"github.com/mossy-p/counsel-signaling/internal/signaling"
)

const testSecret = "test-secret"

type testServer struct {
	router *gin.Engine
	store  *signaling.Store
	cfg    *config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := &config.Config{
		Environment:    "test",
		AllowedOrigins: []string{"http://localhost:5173"},
		JWTSecret:      testSecret,
		ICE: config.ICEConfig{
			STUNURLs:   []string{"stun:stun.example.org:3478"},
			TURNHost:   "turn.example.org:3478",
			TURNSecret: "turn-secret",
			TURNTTL:    time.Hour,
		},
	}
	store := signaling.NewStore(client, time.Hour, zap.NewNop())
	return &testServer{
		router: NewRouter(cfg, store, zap.NewNop()),
		store:  store,
		cfg:    cfg,
	}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// joined creates session S with counselor as caller and client as callee.
func (s *testServer) joined(t *testing.T) {
	t.Helper()
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/calls/S", "counselor", nil).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/calls/S/join", "counselor", nil).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/calls/S/join", "client", nil).Code)
}

func (s *testServer) offer(t *testing.T) int64 {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/calls/S/offer", "counselor", offer)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp models.OfferResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Positive(t, resp.Seq)
	return resp.Seq
}

var (
	offer  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	answer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
)

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "client-7", Password: "x"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "client-7", resp.UserID)
	assert.NotEmpty(t, resp.Token)

	w = s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "client-7"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/calls/S", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/ice-servers", "", nil).Code)
}

func TestCreateCallIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/calls/S", "counselor", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/calls/S", "client", nil).Code)
}

func TestJoinAssignsRoles(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/calls/S", "counselor", nil)

	roles := map[string]models.Role{}
	for _, user := range []string{"counselor", "client", "counselor"} {
		w := s.do(t, http.MethodPost, "/api/calls/S/join", user, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp models.JoinCallResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		roles[user] = resp.Role
	}
	assert.Equal(t, models.RoleCaller, roles["counselor"])
	assert.Equal(t, models.RoleCallee, roles["client"])

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/calls/S/join", "intruder", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/calls/missing/join", "client", nil).Code)
}

func TestOfferAnswerFlow(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)

	// answer before offer
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/calls/S/answer", "client", models.AnswerRequest{OfferSeq: 1, Description: answer}).Code)
	// wrong roles
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/calls/S/offer", "client", offer).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/calls/S/answer", "counselor", models.AnswerRequest{OfferSeq: 1, Description: answer}).Code)
	// wrong description type
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/calls/S/offer", "counselor", answer).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/calls/S/answer", "client", models.AnswerRequest{OfferSeq: 1, Description: offer}).Code)
	// answer without the offer it responds to
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/calls/S/answer", "client", answer).Code)

	seq := s.offer(t)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/api/calls/S/answer", "client", models.AnswerRequest{OfferSeq: seq, Description: answer}).Code)

	w := s.do(t, http.MethodGet, "/api/calls/S", "client", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec models.CallRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.NotNil(t, rec.Offer)
	require.NotNil(t, rec.Answer)
	assert.Equal(t, offer.SDP, rec.Offer.SDP)
	assert.Equal(t, answer.SDP, rec.Answer.SDP)
	assert.Equal(t, "counselor", rec.CallerID)
	assert.Equal(t, "client", rec.CalleeID)
}

func TestAnswerToSupersededOfferConflicts(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)

	first := s.offer(t)
	second := s.offer(t)
	require.Greater(t, second, first)

	w := s.do(t, http.MethodPost, "/api/calls/S/answer", "client", models.AnswerRequest{OfferSeq: first, Description: answer})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), signaling.ErrOfferSuperseded.Error())

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/api/calls/S/answer", "client", models.AnswerRequest{OfferSeq: second, Description: answer}).Code)
}

func TestGetCallRejectsOutsiders(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/calls/S", "intruder", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/calls/other", "client", nil).Code)
}

func TestCandidates(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)

	mid := "0"
	body := models.CandidateRequest{Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid}}
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodPost, "/api/calls/S/candidates", "client", body).Code)

	w := s.do(t, http.MethodPost, "/api/calls/S/candidates", "client", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLeaveAndEnd(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)

	w := s.do(t, http.MethodPost, "/api/calls/S/leave", "client", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessionId":"S","closed":false}`, w.Body.String())

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/calls/S", "counselor", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/calls/S", "counselor", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/calls/S", "counselor", nil).Code)
}

func TestICEServers(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/ice-servers", "client", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.ICEServers, 2)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, resp.ICEServers[0].URLs)

	turn := resp.ICEServers[1]
	assert.Len(t, turn.URLs, 2)
	assert.True(t, strings.HasSuffix(turn.Username, ":client"))

	mac := hmac.New(sha1.New, []byte("turn-secret"))
	mac.Write([]byte(turn.Username))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), turn.Credential)
}

func TestOriginFilter(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodOptions, "/api/calls/S", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health", "", nil)

	w := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "signaling_http_requests_total")
}
