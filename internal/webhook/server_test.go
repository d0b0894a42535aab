package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpr/orchestrator/internal/model"
)

type fakeApplier struct {
	results map[model.EventType]model.ApplyResult
	err     error
	calls   int
}

func (f *fakeApplier) Apply(ctx context.Context, runID string, eventType model.EventType, payload map[string]any, idempotencyKey string) (model.ApplyResult, error) {
	f.calls++
	if f.err != nil {
		return model.ApplyResult{}, f.err
	}
	return model.ApplyResult{RunID: runID, State: model.RunStateReviewWait, EventType: eventType}, nil
}

type fakeRunLookup struct {
	snapshot model.RunSnapshot
	found    bool
}

func (f *fakeRunLookup) GetLatestRunSnapshotByRepoAndPRNumber(ctx context.Context, owner, repo string, prNumber int64) (model.RunSnapshot, bool, error) {
	return f.snapshot, f.found, nil
}

type fakeDeliveryStore struct {
	reserved map[string]bool
	deleted  []string
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{reserved: map[string]bool{}}
}

func (f *fakeDeliveryStore) ReserveWebhookDelivery(ctx context.Context, source, deliveryID, eventType, payloadSHA256 string) (bool, error) {
	key := source + ":" + deliveryID
	if f.reserved[key] {
		return false, nil
	}
	f.reserved[key] = true
	return true, nil
}

func (f *fakeDeliveryStore) DeleteWebhookDelivery(ctx context.Context, source, deliveryID string) error {
	key := source + ":" + deliveryID
	delete(f.reserved, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func newTestServer(cfg Config, applier Applier, runs RunLookup, deliveries DeliveryStore) (*Server, *mux.Router) {
	s := NewServer(cfg, applier, runs, deliveries, nil, nil)
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return s, r
}

func signedRequest(t *testing.T, router *mux.Router, path, secret string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIngress_DuplicateDeliveryIsDetectedOnSecondPost(t *testing.T) {
	applier := &fakeApplier{}
	runs := &fakeRunLookup{found: false}
	deliveries := newFakeDeliveryStore()
	_, router := newTestServer(Config{Path: "/github/webhook"}, applier, runs, deliveries)

	body := []byte(`{}`)
	headers := map[string]string{"X-GitHub-Event": "ping", "X-GitHub-Delivery": "D1"}

	first := signedRequest(t, router, "/github/webhook", "", body, headers)
	assert.Equal(t, http.StatusOK, first.Code)
	var firstResp map[string]any
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))
	assert.NotEqual(t, true, firstResp["duplicate_delivery"])

	second := signedRequest(t, router, "/github/webhook", "", body, headers)
	assert.Equal(t, http.StatusOK, second.Code)
	var secondResp map[string]any
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, true, secondResp["duplicate_delivery"])
}

func TestIngress_InvalidSignatureIsRejectedWithNoDeliveryReserved(t *testing.T) {
	applier := &fakeApplier{}
	runs := &fakeRunLookup{found: false}
	deliveries := newFakeDeliveryStore()
	_, router := newTestServer(Config{Path: "/github/webhook", Secret: "s"}, applier, runs, deliveries)

	req := httptest.NewRequest(http.MethodPost, "/github/webhook", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, deliveries.reserved)
}

func TestIngress_MissingSignatureHeaderWithSecretConfiguredIsUnauthorized(t *testing.T) {
	applier := &fakeApplier{}
	runs := &fakeRunLookup{found: false}
	deliveries := newFakeDeliveryStore()
	_, router := newTestServer(Config{Path: "/github/webhook", Secret: "s"}, applier, runs, deliveries)

	req := httptest.NewRequest(http.MethodPost, "/github/webhook", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-GitHub-Event", "ping")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngress_MissingEventHeaderIsBadRequest(t *testing.T) {
	applier := &fakeApplier{}
	runs := &fakeRunLookup{found: false}
	deliveries := newFakeDeliveryStore()
	_, router := newTestServer(Config{Path: "/github/webhook"}, applier, runs, deliveries)

	rec := signedRequest(t, router, "/github/webhook", "", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngress_BodyExactlyAtMaxIsAccepted(t *testing.T) {
	applier := &fakeApplier{}
	runs := &fakeRunLookup{found: false}
	deliveries := newFakeDeliveryStore()
	_, router := newTestServer(Config{Path: "/github/webhook", MaxPayloadBytes: 2}, applier, runs, deliveries)

	rec := signedRequest(t, router, "/github/webhook", "", []byte(`{}`), map[string]string{"X-GitHub-Event": "ping"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngress_BodyOverMaxIsRejected(t *testing.T) {
	applier := &fakeApplier{}
	runs := &fakeRunLookup{found: false}
	deliveries := newFakeDeliveryStore()
	_, router := newTestServer(Config{Path: "/github/webhook", MaxPayloadBytes: 1}, applier, runs, deliveries)

	rec := signedRequest(t, router, "/github/webhook", "", []byte(`{}`), map[string]string{"X-GitHub-Event": "ping"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIngress_InvalidJSONReleasesDeliveryAndReturns400(t *testing.T) {
	applier := &fakeApplier{}
	runs := &fakeRunLookup{found: false}
	deliveries := newFakeDeliveryStore()
	_, router := newTestServer(Config{Path: "/github/webhook"}, applier, runs, deliveries)

	rec := signedRequest(t, router, "/github/webhook", "", []byte(`not json`), map[string]string{
		"X-GitHub-Event": "ping", "X-GitHub-Delivery": "D2",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, deliveries.reserved)
}

func TestIngress_NoRepoIdentityIsIgnoredWith200(t *testing.T) {
	applier := &fakeApplier{}
	runs := &fakeRunLookup{found: false}
	deliveries := newFakeDeliveryStore()
	_, router := newTestServer(Config{Path: "/github/webhook"}, applier, runs, deliveries)

	rec := signedRequest(t, router, "/github/webhook", "", []byte(`{}`), map[string]string{
		"X-GitHub-Event": "pull_request", "X-GitHub-Delivery": "D3",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["ignored"])
}

func TestIngress_UnknownPathIs404(t *testing.T) {
	applier := &fakeApplier{}
	runs := &fakeRunLookup{found: false}
	deliveries := newFakeDeliveryStore()
	_, router := newTestServer(Config{Path: "/github/webhook"}, applier, runs, deliveries)

	req := httptest.NewRequest(http.MethodPost, "/somewhere/else", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngress_GetIsLivenessCheck(t *testing.T) {
	applier := &fakeApplier{}
	runs := &fakeRunLookup{found: false}
	deliveries := newFakeDeliveryStore()
	_, router := newTestServer(Config{Path: "/github/webhook"}, applier, runs, deliveries)

	req := httptest.NewRequest(http.MethodGet, "/github/webhook", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngress_CheckRunSuccessAppliesEventForMatchedRun(t *testing.T) {
	applier := &fakeApplier{}
	runs := &fakeRunLookup{
		found:    true,
		snapshot: model.RunSnapshot{Run: model.Run{RunID: "run_abc123"}, State: model.RunStateCIWait},
	}
	deliveries := newFakeDeliveryStore()
	_, router := newTestServer(Config{Path: "/github/webhook"}, applier, runs, deliveries)

	body := []byte(`{
		"repository": {"name": "widgets", "owner": {"login": "acme"}},
		"check_run": {"conclusion": "success", "pull_requests": [{"number": 7}]}
	}`)
	rec := signedRequest(t, router, "/github/webhook", "", body, map[string]string{
		"X-GitHub-Event": "check_run", "X-GitHub-Delivery": "D4",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, applier.calls)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["processed"])
}

func TestIngress_RetryableFailureReleasesDeliveryAndReturns500(t *testing.T) {
	applier := &fakeApplier{err: assertionError{"boom"}}
	runs := &fakeRunLookup{
		found:    true,
		snapshot: model.RunSnapshot{Run: model.Run{RunID: "run_abc123"}, State: model.RunStateCIWait},
	}
	deliveries := newFakeDeliveryStore()
	_, router := newTestServer(Config{Path: "/github/webhook"}, applier, runs, deliveries)

	body := []byte(`{
		"repository": {"name": "widgets", "owner": {"login": "acme"}},
		"check_run": {"conclusion": "success", "pull_requests": [{"number": 7}]}
	}`)
	rec := signedRequest(t, router, "/github/webhook", "", body, map[string]string{
		"X-GitHub-Event": "check_run", "X-GitHub-Delivery": "D5",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, deliveries.deleted, "github:D5")
}

type assertionError struct{ msg string }

func (e assertionError) Error() string { return e.msg }
