package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossy-p/counsel-signaling/internal/models"
	"github.com/mossy-p/counsel-signaling/internal/signaling"
)

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/calls/S?token=" + token(t, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func readSignal(t *testing.T, conn *websocket.Conn) models.Signal {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var sig models.Signal
	require.NoError(t, conn.ReadJSON(&sig))
	return sig
}

func readAck(t *testing.T, conn *websocket.Conn) AckFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ack AckFrame
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, SignalKindAck, ack.Kind)
	require.Equal(t, models.SignalKindOffer, ack.For)
	return ack
}

func TestWebSocketRelaysHandshake(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	caller := dial(t, srv, "counselor")
	callee := dial(t, srv, "client")

	require.NoError(t, caller.WriteJSON(models.Signal{Kind: models.SignalKindOffer, Description: &offer}))
	ack := readAck(t, caller)
	got := readSignal(t, callee)
	assert.Equal(t, models.SignalKindOffer, got.Kind)
	assert.Equal(t, models.RoleCaller, got.Role)
	assert.Equal(t, ack.Seq, got.Seq)
	require.NotNil(t, got.Description)
	assert.Equal(t, offer.SDP, got.Description.SDP)

	require.NoError(t, callee.WriteJSON(models.Signal{Kind: models.SignalKindAnswer, OfferSeq: got.Seq, Description: &answer}))
	got = readSignal(t, caller)
	assert.Equal(t, ack.Seq, got.OfferSeq)
	assert.Equal(t, models.SignalKindAnswer, got.Kind)
	assert.Equal(t, answer.SDP, got.Description.SDP)

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.2 5000 typ host"}
	require.NoError(t, callee.WriteJSON(models.Signal{Kind: models.SignalKindCandidate, Candidate: &cand}))
	got = readSignal(t, caller)
	assert.Equal(t, models.SignalKindCandidate, got.Kind)
	assert.Equal(t, models.RoleCallee, got.Role)
	assert.Equal(t, cand.Candidate, got.Candidate.Candidate)

	require.NoError(t, caller.WriteJSON(models.Signal{Kind: models.SignalKindHangup}))
	got = readSignal(t, callee)
	assert.Equal(t, models.SignalKindHangup, got.Kind)
	assert.Equal(t, models.RoleCaller, got.Role)

	_, err := s.store.GetCall(context.Background(), "S")
	assert.ErrorIs(t, err, signaling.ErrNotFound)
}

func TestWebSocketReplaysStoredOffer(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)
	_, err := s.store.SendOffer(context.Background(), "S", offer)
	require.NoError(t, err)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	callee := dial(t, srv, "client")
	got := readSignal(t, callee)
	assert.Equal(t, models.SignalKindOffer, got.Kind)
	assert.Equal(t, offer.SDP, got.Description.SDP)
}

func TestWebSocketRejectsWrongRoleFrames(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	callee := dial(t, srv, "client")
	require.NoError(t, callee.WriteJSON(models.Signal{Kind: models.SignalKindOffer, Description: &offer}))

	frame := readFrame(t, callee)
	assert.JSONEq(t, `"error"`, string(frame["kind"]))
	assert.Contains(t, string(frame["error"]), "role")

	require.NoError(t, callee.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame = readFrame(t, callee)
	assert.JSONEq(t, `"error"`, string(frame["kind"]))
}

func TestWebSocketDisconnectLeavesCall(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	callee := dial(t, srv, "client")
	callee.Close()

	require.Eventually(t, func() bool {
		rec, err := s.store.GetCall(context.Background(), "S")
		return err == nil && rec.CalleeLeft
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWebSocketRequiresParticipant(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/calls/S?token=" + token(t, "intruder")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/calls/S"
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestWebSocketCallerSkipsAnswerToPreviousOffer(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)
	ctx := context.Background()
	first, err := s.store.SendOffer(ctx, "S", offer)
	require.NoError(t, err)
	require.NoError(t, s.store.SendAnswer(ctx, "S", first, answer))

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	// A reconnecting caller is replayed the stored answer tagged with the
	// offer it belongs to.
	caller := dial(t, srv, "counselor")
	got := readSignal(t, caller)
	assert.Equal(t, models.SignalKindAnswer, got.Kind)
	assert.Equal(t, first, got.OfferSeq)

	// After re-offering, only the answer to the new offer comes through.
	require.NoError(t, caller.WriteJSON(models.Signal{Kind: models.SignalKindOffer, Description: &offer}))
	ack := readAck(t, caller)
	assert.Greater(t, ack.Seq, first)

	assert.ErrorIs(t, s.store.SendAnswer(ctx, "S", first, answer), signaling.ErrOfferSuperseded)
	require.NoError(t, s.store.SendAnswer(ctx, "S", ack.Seq, answer))
	got = readSignal(t, caller)
	assert.Equal(t, models.SignalKindAnswer, got.Kind)
	assert.Equal(t, ack.Seq, got.OfferSeq)
}

func TestWebSocketRejectsAnswerToSupersededOffer(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)
	ctx := context.Background()
	first, err := s.store.SendOffer(ctx, "S", offer)
	require.NoError(t, err)
	_, err = s.store.SendOffer(ctx, "S", offer)
	require.NoError(t, err)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	callee := dial(t, srv, "client")
	readSignal(t, callee)

	require.NoError(t, callee.WriteJSON(models.Signal{Kind: models.SignalKindAnswer, OfferSeq: first, Description: &answer}))
	frame := readFrame(t, callee)
	assert.JSONEq(t, `"error"`, string(frame["kind"]))
	assert.Contains(t, string(frame["error"]), signaling.ErrOfferSuperseded.Error())

	rec, err := s.store.GetCall(ctx, "S")
	require.NoError(t, err)
	assert.Nil(t, rec.Answer)
}

func TestWebSocketHangupMarkedOnlyOnceEnded(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &Client{
		SessionID: "missing",
		Role:      models.RoleCallee,
		store:     s.store,
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
	}
	assert.ErrorIs(t, c.handle(models.Signal{Kind: models.SignalKindHangup}), signaling.ErrNotFound)
	assert.False(t, c.hungUp)

	c.SessionID = "S"
	require.NoError(t, c.handle(models.Signal{Kind: models.SignalKindHangup}))
	assert.True(t, c.hungUp)
}

func TestWebSocketSlowClientIsDisconnected(t *testing.T) {
	s := newTestServer(t)
	s.joined(t)

	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	defer srv.Close()

	remote, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer remote.Close()
	conn := <-conns

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &Client{
		SessionID: "S",
		Role:      models.RoleCallee,
		Conn:      conn,
		store:     s.store,
		logger:    zap.NewNop(),
		send:      make(chan []byte, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	c.push(models.Signal{Seq: 1, Kind: models.SignalKindCandidate})
	assert.NoError(t, c.ctx.Err())

	// No write pump drains the buffer, so the second frame overflows it.
	c.push(models.Signal{Seq: 2, Kind: models.SignalKindCandidate})
	assert.ErrorIs(t, c.ctx.Err(), context.Canceled)

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = remote.ReadMessage()
	assert.Error(t, err)
}
