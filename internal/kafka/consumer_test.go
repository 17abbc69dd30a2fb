package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rhythm-ranking/internal/domain"
)

type MockScoreHandler struct {
	mock.Mock
}

func (m *MockScoreHandler) Submit(ctx context.Context, raw domain.RawSubmission, meta domain.CallerMeta) (*domain.SubmitResult, error) {
	args := m.Called(ctx, raw, meta)
	if r := args.Get(0); r != nil {
		return r.(*domain.SubmitResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestDecodeMessage(t *testing.T) {
	msg, err := decodeMessage([]byte(`{
		"nickname": "Ace",
		"chartId": "song-1",
		"score": 987654,
		"accuracy": 99.5,
		"maxCombo": 812,
		"ip": "10.0.0.7",
		"userAgent": "rhythm-client/2.1"
	}`))

	require.NoError(t, err)
	assert.Equal(t, "Ace", msg.Nickname)
	assert.Equal(t, "song-1", msg.ChartID)
	assert.Equal(t, json.Number("987654"), msg.Score)
	assert.Equal(t, json.Number("99.5"), msg.Accuracy)
	assert.Nil(t, msg.ClientAt)
	assert.Equal(t, "10.0.0.7", msg.IP)
	assert.Equal(t, "rhythm-client/2.1", msg.UserAgent)
}

func TestDecodeMessage_Malformed(t *testing.T) {
	_, err := decodeMessage([]byte(`{"nickname":`))
	assert.Error(t, err)
}

func TestSubmitBatch(t *testing.T) {
	handler := new(MockScoreHandler)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rank := 1

	ok := domain.IngestMessage{RawSubmission: domain.RawSubmission{Nickname: "Ace"}, IP: "10.0.0.1", UserAgent: "ua"}
	bad := domain.IngestMessage{RawSubmission: domain.RawSubmission{Nickname: "x"}}
	pending := domain.IngestMessage{RawSubmission: domain.RawSubmission{Nickname: "Bee"}}
	broken := domain.IngestMessage{RawSubmission: domain.RawSubmission{Nickname: "Cat"}}

	handler.On("Submit", mock.Anything, ok.RawSubmission, domain.CallerMeta{IP: "10.0.0.1", UserAgent: "ua"}).
		Return(&domain.SubmitResult{RecordID: "r1", Rank: &rank}, nil)
	handler.On("Submit", mock.Anything, bad.RawSubmission, domain.CallerMeta{}).
		Return(nil, domain.NewValidationError(domain.RuleNicknameLength, "too short"))
	handler.On("Submit", mock.Anything, pending.RawSubmission, domain.CallerMeta{}).
		Return(&domain.SubmitResult{RecordID: "r2", RankingPending: true}, nil)
	handler.On("Submit", mock.Anything, broken.RawSubmission, domain.CallerMeta{}).
		Return(nil, &domain.StoreError{Store: domain.StoreLedger, Err: errors.New("connection refused")})

	stats := submitBatch(context.Background(), handler, []domain.IngestMessage{ok, bad, pending, broken}, logger)

	assert.Equal(t, batchStats{accepted: 1, rejected: 1, pending: 1, failed: 1}, stats)
	handler.AssertExpectations(t)
}
