package rewardsd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testToken = "test-admin-token"

func newTestServer(t *testing.T) (*Server, *fixture) {
	t.Helper()
	f := newFixture(t)
	auth, err := NewAuthenticator(AuthConfig{BearerToken: testToken})
	require.NoError(t, err)
	srv, err := NewServer(ServerConfig{
		Orchestrator: f.orch,
		Auth:         auth,
	})
	require.NoError(t, err)
	return srv, f
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dst))
}

func TestHealthzIsOpen(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/admin/status", nil, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/events/upvote-threshold", nil, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/admin/status", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAnswerAcceptedEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	payload := answerAcceptedPayload{
		AnswerID:   "answer-1",
		Answerer:   FormatAddress(alice),
		QuestionID: "question-1",
		Asker:      FormatAddress(bob),
	}
	rec := doJSON(t, srv, http.MethodPost, "/events/answer-accepted", payload, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var result AcceptedAnswerResult
	decodeBody(t, rec, &result)
	require.Equal(t, OutcomeIssued, result.Answerer.Status)
	require.Equal(t, OutcomeIssued, result.Asker.Status)

	// Redelivery settles as already issued on both legs.
	rec = doJSON(t, srv, http.MethodPost, "/events/answer-accepted", payload, true)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &result)
	require.Equal(t, OutcomeAlreadyIssued, result.Answerer.Status)
	require.Equal(t, OutcomeAlreadyIssued, result.Asker.Status)
}

func TestAnswerAcceptedValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/events/answer-accepted", answerAcceptedPayload{
		AnswerID:   "answer-1",
		Answerer:   "not-an-address",
		QuestionID: "question-1",
		Asker:      FormatAddress(bob),
	}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/events/answer-accepted", answerAcceptedPayload{
		Answerer: FormatAddress(alice),
		Asker:    FormatAddress(bob),
	}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpecialContributionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/events/special-contribution", specialContributionPayload{
		Target:           FormatAddress(alice),
		Amount:           "75",
		JustificationRef: "forum-post-99",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var out Outcome
	decodeBody(t, rec, &out)
	require.Equal(t, OutcomeIssued, out.Status)

	rec = doJSON(t, srv, http.MethodPost, "/events/special-contribution", specialContributionPayload{
		Target:           FormatAddress(alice),
		Amount:           "-5",
		JustificationRef: "forum-post-100",
	}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPauseEndpoints(t *testing.T) {
	srv, f := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/admin/pause", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, f.engine.Paused())

	var status statusResponse
	rec = doJSON(t, srv, http.MethodGet, "/admin/status", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &status)
	require.True(t, status.Paused)

	rec = doJSON(t, srv, http.MethodPost, "/admin/unpause", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, f.engine.Paused())
}

func TestConfigRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	var current configPayload
	rec := doJSON(t, srv, http.MethodGet, "/admin/config", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &current)
	require.Equal(t, "50", current.AcceptedAnswerAmount)

	current.AcceptedAnswerAmount = "60"
	current.MaxDailyReward = "200"
	rec = doJSON(t, srv, http.MethodPut, "/admin/config", current, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/admin/config", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &current)
	require.Equal(t, "60", current.AcceptedAnswerAmount)

	// Invalid parameters are rejected before reaching state.
	current.CooldownSeconds = 0
	rec = doJSON(t, srv, http.MethodPut, "/admin/config", current, true)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRoleEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/admin/roles/grant", rolePayload{
		Role:    "ROLE_REWARD_ORACLE",
		Address: FormatAddress(bob),
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/admin/roles/grant", rolePayload{
		Role:    "ROLE_BOGUS",
		Address: FormatAddress(bob),
	}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/admin/roles/revoke", rolePayload{
		Role:    "ROLE_REWARD_ORACLE",
		Address: FormatAddress(bob),
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBatchEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	items := []batchItemPayload{
		{RewardType: "accepted_answer", EventID: "answer-1", Recipient: FormatAddress(alice)},
		{RewardType: "upvote_threshold", EventID: "answer-2", Recipient: FormatAddress(bob)},
	}
	rec := doJSON(t, srv, http.MethodPost, "/admin/batch", batchPayload{Items: items}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Outcomes []Outcome `json:"outcomes"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Outcomes, 2)
	require.Equal(t, OutcomeIssued, body.Outcomes[0].Status)
	require.Equal(t, OutcomeIssued, body.Outcomes[1].Status)
}

func TestBatchEndpointRejectsSpecialItems(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/admin/batch", batchPayload{Items: []batchItemPayload{
		{RewardType: "special_contribution", EventID: "grant-1", Recipient: FormatAddress(alice)},
	}}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchEndpointCap(t *testing.T) {
	srv, _ := newTestServer(t)

	items := make([]batchItemPayload, 51)
	for i := range items {
		items[i] = batchItemPayload{
			RewardType: "accepted_answer",
			EventID:    fmt.Sprintf("answer-%d", i),
			Recipient:  FormatAddress(alice),
		}
	}
	rec := doJSON(t, srv, http.MethodPost, "/admin/batch", batchPayload{Items: items}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnsettledAndResubmitEndpoints(t *testing.T) {
	srv, f := newTestServer(t)

	// Trip the cooldown to leave a failed attempt behind.
	rec := doJSON(t, srv, http.MethodPost, "/events/upvote-threshold", upvoteThresholdPayload{
		AnswerID: "answer-1",
		Answerer: FormatAddress(alice),
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/events/upvote-threshold", upvoteThresholdPayload{
		AnswerID: "answer-2",
		Answerer: FormatAddress(alice),
	}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var out Outcome
	decodeBody(t, rec, &out)
	require.Equal(t, OutcomeRateLimited, out.Status)

	var listing struct {
		Attempts []UnsettledAttempt `json:"attempts"`
	}
	rec = doJSON(t, srv, http.MethodGet, "/admin/attempts/unsettled", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &listing)
	require.Len(t, listing.Attempts, 1)

	f.advance(301 * time.Second)
	rec = doJSON(t, srv, http.MethodPost, "/admin/attempts/"+listing.Attempts[0].ID.String()+"/resubmit", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &out)
	require.Equal(t, OutcomeIssued, out.Status)

	rec = doJSON(t, srv, http.MethodPost, "/admin/attempts/not-a-uuid/resubmit", nil, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
