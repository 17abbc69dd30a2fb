package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhythm-ranking/internal/domain"
)

type staticSnapshots map[string]*domain.ChartLeaderboard

func (s staticSnapshots) Get(_ context.Context, chartID string) (*domain.ChartLeaderboard, error) {
	return s[chartID], nil
}

func startHub(t *testing.T, origins []string) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(origins, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type received struct {
	Type    string          `json:"type"`
	ChartID string          `json:"chartId"`
	Data    json.RawMessage `json:"data"`
}

func readMessage(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_SubscribeSendsSnapshotThenUpdates(t *testing.T) {
	hub, srv := startHub(t, nil)
	hub.SetSnapshotter(staticSnapshots{
		"song-1": {
			ChartID:         "song-1",
			Top:             []domain.RankEntry{{Nickname: "Ace", Score: 900}},
			SubmissionCount: 3,
			Version:         3,
		},
	})
	conn := dial(t, srv, nil)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, ChartID: "song-1"}))

	// The ack and the snapshot are produced by different goroutines.
	byType := map[string]received{}
	for i := 0; i < 2; i++ {
		msg := readMessage(t, conn)
		byType[msg.Type] = msg
	}
	require.Contains(t, byType, "subscribed")
	require.Contains(t, byType, MessageTypeRankingUpdate)

	assert.Equal(t, 1, hub.GetSubscriberCount("song-1"))
	assert.Equal(t, 0, hub.GetSubscriberCount("song-2"))

	var snapshot RankingUpdate
	require.NoError(t, json.Unmarshal(byType[MessageTypeRankingUpdate].Data, &snapshot))
	assert.Equal(t, int64(3), snapshot.SubmissionCount)
	assert.Equal(t, int64(3), snapshot.Version)
	require.Len(t, snapshot.Top, 1)
	assert.Equal(t, "Ace", snapshot.Top[0].Nickname)

	hub.BroadcastRanking(&domain.ChartLeaderboard{
		ChartID:         "song-2",
		Top:             []domain.RankEntry{{Nickname: "Other", Score: 1}},
		SubmissionCount: 1,
		Version:         1,
	})
	hub.BroadcastRanking(&domain.ChartLeaderboard{
		ChartID:         "song-1",
		Top:             []domain.RankEntry{{Nickname: "Bee", Score: 950}, {Nickname: "Ace", Score: 900}},
		SubmissionCount: 4,
		Version:         4,
	})

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeRankingUpdate, msg.Type)
	assert.Equal(t, "song-1", msg.ChartID)
	var update RankingUpdate
	require.NoError(t, json.Unmarshal(msg.Data, &update))
	assert.Equal(t, int64(4), update.SubmissionCount)
	assert.Equal(t, int64(4), update.Version)
	assert.Equal(t, "Bee", update.Top[0].Nickname)
}

func TestHub_BroadcastDropsStaleVersions(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	doc := func(chartID string, version int64) *domain.ChartLeaderboard {
		return &domain.ChartLeaderboard{ChartID: chartID, Top: []domain.RankEntry{}, Version: version}
	}

	hub.BroadcastRanking(doc("song-1", 5))
	hub.BroadcastRanking(doc("song-1", 4))
	hub.BroadcastRanking(doc("song-1", 5))
	hub.BroadcastRanking(doc("song-2", 1))
	hub.BroadcastRanking(doc("song-1", 6))
	hub.BroadcastRanking(nil)

	require.Len(t, hub.broadcast, 3)
	var got []string
	for len(hub.broadcast) > 0 {
		msg := <-hub.broadcast
		update := msg.Data.(RankingUpdate)
		got = append(got, fmt.Sprintf("%s@%d", update.ChartID, update.Version))
	}
	assert.Equal(t, []string{"song-1@5", "song-2@1", "song-1@6"}, got)
}

func TestHub_SubscribeRequiresChart(t *testing.T) {
	_, srv := startHub(t, nil)
	conn := dial(t, srv, nil)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe}))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
}

func TestHub_Ping(t *testing.T) {
	_, srv := startHub(t, nil)
	conn := dial(t, srv, nil)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypePing}))

	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)
}

func TestHub_RejectsUnknownOrigin(t *testing.T) {
	_, srv := startHub(t, []string{"https://game.example"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn := dial(t, srv, http.Header{"Origin": {"https://game.example"}})
	assert.NotNil(t, conn)
}

func TestHub_TracksConnections(t *testing.T) {
	hub, srv := startHub(t, nil)
	dial(t, srv, nil)
	dial(t, srv, nil)

	assert.Eventually(t, func() bool {
		return hub.GetTotalConnections() == 2
	}, 2*time.Second, 10*time.Millisecond)
}
