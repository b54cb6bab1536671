package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/abnet/anonymity"
	"github.com/flashbots/abnet/crypto"
	"github.com/flashbots/abnet/engine"
	"github.com/flashbots/abnet/ledger"
)

type testAPI struct {
	srv    *httptest.Server
	engine *engine.InMemory
	ledger *ledger.Ledger
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	eng, err := engine.NewInMemory()
	require.NoError(t, err)

	l, err := ledger.New(&ledger.Config{
		Engine:   eng,
		Registry: anonymity.NewMemoryRegistry(),
		Log:      slog.Default(),
	})
	require.NoError(t, err)

	coordinator, err := ledger.NewDecryptionCoordinator(l, eng, slog.Default())
	require.NoError(t, err)
	handler := NewHandler(l, coordinator, slog.Default())

	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, engine: eng, ledger: l}
}

func newSigner(t *testing.T) (crypto.PublicKey, crypto.PrivateKey) {
	t.Helper()
	pubkey, privkey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return pubkey, privkey
}

func postSigned[T any](t *testing.T, api *testAPI, path string, privkey crypto.PrivateKey, obj *T) *http.Response {
	t.Helper()

	signed, err := NewSigned(privkey, obj)
	require.NoError(t, err)
	body, err := json.Marshal(signed)
	require.NoError(t, err)

	resp, err := http.Post(api.srv.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) *T {
	t.Helper()
	defer resp.Body.Close()

	out, err := DecodeMessage[T](resp.Body)
	require.NoError(t, err)
	return out
}

func createExperiment(t *testing.T, api *testAPI, privkey crypto.PrivateKey, name string) uint32 {
	t.Helper()

	resp := postSigned(t, api, "/api/experiments", privkey, &CreateExperimentRequest{
		Name:            name,
		Description:     "test experiment",
		DurationSeconds: 3600,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[CreateExperimentResponse](t, resp).ExperimentID
}

func joinExperiment(t *testing.T, api *testAPI, privkey crypto.PrivateKey, experimentID uint32, token string) *http.Response {
	t.Helper()

	anonymousID := ledger.DeriveAnonymousID(token)
	return postSigned(t, api, "/api/experiments/join", privkey, &JoinRequest{
		ExperimentID: experimentID,
		AnonymousID:  anonymousID.String(),
	})
}

func TestCreateExperimentEndpoint(t *testing.T) {
	api := newTestAPI(t)
	_, ownerKey := newSigner(t)

	id := createExperiment(t, api, ownerKey, "Button Color Test")
	require.Equal(t, uint32(1), id)

	resp, err := http.Get(api.srv.URL + "/api/experiments/1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info := decodeBody[ExperimentInfoResponse](t, resp)
	require.Equal(t, "Button Color Test", info.Name)
	require.True(t, info.IsActive)
	require.Zero(t, info.TotalParticipants)
	require.Nil(t, info.DecryptedSum)

	resp, err = http.Get(api.srv.URL + "/api/experiments/current")
	require.NoError(t, err)
	require.Equal(t, uint32(1), decodeBody[CurrentExperimentResponse](t, resp).ExperimentID)
}

func TestCreateExperimentRejectsInvalidInput(t *testing.T) {
	api := newTestAPI(t)
	_, ownerKey := newSigner(t)

	resp := postSigned(t, api, "/api/experiments", ownerKey, &CreateExperimentRequest{
		Name:            "",
		DurationSeconds: 3600,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(api.srv.URL+"/api/experiments", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTamperedSignatureRejected(t *testing.T) {
	api := newTestAPI(t)
	_, ownerKey := newSigner(t)

	signed, err := NewSigned(ownerKey, &CreateExperimentRequest{Name: "x", DurationSeconds: 60})
	require.NoError(t, err)
	signed.Object.Name = "tampered"

	body, err := json.Marshal(signed)
	require.NoError(t, err)
	resp, err := http.Post(api.srv.URL+"/api/experiments", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestJoinEndpointGuards(t *testing.T) {
	api := newTestAPI(t)
	_, ownerKey := newSigner(t)
	_, aliceKey := newSigner(t)
	_, bobKey := newSigner(t)

	id := createExperiment(t, api, ownerKey, "guards")

	resp := joinExperiment(t, api, aliceKey, 99, "alice-token")
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = joinExperiment(t, api, aliceKey, id, "alice-token")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Same anonymous identifier from another caller
	resp = joinExperiment(t, api, bobKey, id, "alice-token")
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Same caller joining twice
	resp = joinExperiment(t, api, aliceKey, id, "alice-second-token")
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAnonymousAvailabilityEndpoint(t *testing.T) {
	api := newTestAPI(t)
	_, ownerKey := newSigner(t)
	_, aliceKey := newSigner(t)

	id := createExperiment(t, api, ownerKey, "availability")
	anonymousID := ledger.DeriveAnonymousID("alice-token")

	url := fmt.Sprintf("%s/api/experiments/%d/anonymous/%s", api.srv.URL, id, anonymousID.String())
	resp, err := http.Get(url)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, decodeBody[AvailabilityResponse](t, resp).Available)

	joined := joinExperiment(t, api, aliceKey, id, "alice-token")
	joined.Body.Close()
	require.Equal(t, http.StatusOK, joined.StatusCode)

	resp, err = http.Get(url)
	require.NoError(t, err)
	require.False(t, decodeBody[AvailabilityResponse](t, resp).Available)
}

func TestGroupEndpoint(t *testing.T) {
	api := newTestAPI(t)
	_, ownerKey := newSigner(t)
	alicePub, aliceKey := newSigner(t)

	id := createExperiment(t, api, ownerKey, "groups")
	joined := joinExperiment(t, api, aliceKey, id, "alice-token")
	joined.Body.Close()
	require.Equal(t, http.StatusOK, joined.StatusCode)

	resp := postSigned(t, api, "/api/experiments/group", aliceKey, &GroupRequest{ExperimentID: id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	group := decodeBody[GroupResponse](t, resp)
	require.NotEmpty(t, group.GroupHandle)
	require.True(t, api.engine.HasAccess(group.GroupHandle, alicePub))

	// Non-participants have no group to fetch
	_, strangerKey := newSigner(t)
	resp = postSigned(t, api, "/api/experiments/group", strangerKey, &GroupRequest{ExperimentID: id})
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEndAndResultsFlow(t *testing.T) {
	api := newTestAPI(t)
	ownerPub, ownerKey := newSigner(t)
	_, aliceKey := newSigner(t)
	_, bobKey := newSigner(t)

	id := createExperiment(t, api, ownerKey, "results flow")

	for i, key := range []crypto.PrivateKey{aliceKey, bobKey} {
		resp := joinExperiment(t, api, key, id, fmt.Sprintf("token-%d", i))
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := postSigned(t, api, "/api/experiments/submit", aliceKey, &SubmitRequest{ExperimentID: id, MetricValue: 150})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = postSigned(t, api, "/api/experiments/submit", bobKey, &SubmitRequest{ExperimentID: id, MetricValue: 92})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Results are gated on the experiment being ended
	resp = postSigned(t, api, "/api/experiments/results", ownerKey, &RequestResultsRequest{ExperimentID: id})
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Only the owner may end
	resp = postSigned(t, api, "/api/experiments/end", aliceKey, &EndRequest{ExperimentID: id})
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = postSigned(t, api, "/api/experiments/end", ownerKey, &EndRequest{ExperimentID: id})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postSigned(t, api, "/api/experiments/results", ownerKey, &RequestResultsRequest{ExperimentID: id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	requestID := decodeBody[RequestResultsResponse](t, resp).RequestID
	require.NotEmpty(t, requestID)

	// Resolve via the engine's verified callback
	result, err := api.engine.Decrypt(requestID)
	require.NoError(t, err)

	callback, err := json.Marshal(DecryptionResultRequest{
		RequestID:    result.RequestID,
		PlaintextSum: result.Plaintext,
		Proof:        result.Proof,
	})
	require.NoError(t, err)
	resp, err = http.Post(api.srv.URL+"/api/decryption-result", "application/json", bytes.NewReader(callback))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Replayed callback is rejected
	resp, err = http.Post(api.srv.URL+"/api/decryption-result", "application/json", bytes.NewReader(callback))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	infoResp, err := http.Get(fmt.Sprintf("%s/api/experiments/%d", api.srv.URL, id))
	require.NoError(t, err)
	info := decodeBody[ExperimentInfoResponse](t, infoResp)
	require.False(t, info.IsActive)
	require.NotNil(t, info.DecryptedSum)
	require.Equal(t, uint64(242), *info.DecryptedSum)

	// Owner's experiment listing
	listResp, err := http.Get(fmt.Sprintf("%s/api/principals/%s/experiments", api.srv.URL, ownerPub.String()))
	require.NoError(t, err)
	require.Equal(t, []uint32{id}, decodeBody[UserExperimentsResponse](t, listResp).ExperimentIDs)
}

func TestParticipantStatusEndpoint(t *testing.T) {
	api := newTestAPI(t)
	_, ownerKey := newSigner(t)
	alicePub, aliceKey := newSigner(t)

	id := createExperiment(t, api, ownerKey, "status")

	url := fmt.Sprintf("%s/api/experiments/%d/participants/%s", api.srv.URL, id, alicePub.String())
	resp, err := http.Get(url)
	require.NoError(t, err)
	status := decodeBody[ParticipantStatusResponse](t, resp)
	require.False(t, status.HasJoined)

	joined := joinExperiment(t, api, aliceKey, id, "alice-token")
	joined.Body.Close()
	require.Equal(t, http.StatusOK, joined.StatusCode)

	resp, err = http.Get(url)
	require.NoError(t, err)
	status = decodeBody[ParticipantStatusResponse](t, resp)
	require.True(t, status.HasJoined)
	require.False(t, status.HasSubmittedData)
	require.NotNil(t, status.JoinTime)

	submit := postSigned(t, api, "/api/experiments/submit", aliceKey, &SubmitRequest{ExperimentID: id, MetricValue: 7})
	io.Copy(io.Discard, submit.Body)
	submit.Body.Close()
	require.Equal(t, http.StatusOK, submit.StatusCode)

	resp, err = http.Get(url)
	require.NoError(t, err)
	status = decodeBody[ParticipantStatusResponse](t, resp)
	require.True(t, status.HasSubmittedData)
}
