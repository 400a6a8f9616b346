package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/audio"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/metrics"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/mixdown"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/session"
)

type fakeRecorder struct {
	active   map[string]session.Snapshot
	startErr error
	job      *mixdown.Job
	stopped  []session.Reason
	stopErrs []error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{active: make(map[string]session.Snapshot)}
}

func (f *fakeRecorder) Start(_ context.Context, ch session.Channel, requester string) (session.Snapshot, error) {
	if f.startErr != nil {
		return session.Snapshot{}, f.startErr
	}
	if _, ok := f.active[ch.GroupID]; ok {
		return session.Snapshot{}, session.ErrAlreadyRecording
	}
	snap := session.Snapshot{
		SessionID:   "s-" + ch.GroupID,
		GroupID:     ch.GroupID,
		ChannelID:   ch.ChannelID,
		Requester:   requester,
		Status:      session.StatusActive,
		MaxDuration: time.Hour,
		Remaining:   time.Hour,
	}
	f.active[ch.GroupID] = snap
	return snap, nil
}

func (f *fakeRecorder) Stop(ctx context.Context, groupID string, reason session.Reason) (*session.StopSummary, error) {
	f.stopErrs = append(f.stopErrs, ctx.Err())
	snap, ok := f.active[groupID]
	if !ok {
		return nil, session.ErrNoActiveSession
	}
	delete(f.active, groupID)
	f.stopped = append(f.stopped, reason)
	return &session.StopSummary{
		SessionID:    snap.SessionID,
		GroupID:      groupID,
		ChannelID:    snap.ChannelID,
		Dir:          "/rec/" + snap.SessionID,
		Duration:     5 * time.Second,
		SegmentCount: 1,
		Reason:       reason,
		Mixdown:      f.job,
	}, nil
}

func (f *fakeRecorder) Status(groupID string) *session.Snapshot {
	snap, ok := f.active[groupID]
	if !ok {
		return nil
	}
	return &snap
}

func (f *fakeRecorder) Active() []session.Snapshot {
	out := make([]session.Snapshot, 0, len(f.active))
	for _, s := range f.active {
		out = append(out, s)
	}
	return out
}

func newTestServer(t *testing.T, rec Recorder) (*Server, *metrics.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	return New(rec, Options{Gatherer: reg, Metrics: m}), m, reg
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestStartStatusStop(t *testing.T) {
	rec := newFakeRecorder()
	s, _, _ := newTestServer(t, rec)

	w := do(t, s, http.MethodPost, "/v1/groups/guild/recording", `{"channel_id":"voice","requester":"42"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	assert.Equal(t, "s-guild", body["session_id"])
	assert.Equal(t, "active", body["status"])
	assert.Contains(t, body["message"], "Recording started")

	w = do(t, s, http.MethodGet, "/v1/groups/guild/recording", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "voice", decode(t, w)["channel_id"])

	w = do(t, s, http.MethodDelete, "/v1/groups/guild/recording", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	body = decode(t, w)
	assert.Equal(t, float64(1), body["segment_count"])
	assert.Equal(t, "manual", body["reason"])
	assert.Equal(t, []session.Reason{session.ReasonManual}, rec.stopped)

	w = do(t, s, http.MethodGet, "/v1/groups/guild/recording", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no_active_session", decode(t, w)["error"])
}

func TestStartErrorsMapToStatusCodes(t *testing.T) {
	rec := newFakeRecorder()
	s, _, _ := newTestServer(t, rec)

	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/groups/guild/recording", `{"channel_id":"voice"}`).Code)

	w := do(t, s, http.MethodPost, "/v1/groups/guild/recording", `{"channel_id":"voice"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_recording", decode(t, w)["error"])

	rec.startErr = session.ErrConnectionTimeout
	w = do(t, s, http.MethodPost, "/v1/groups/other/recording", `{"channel_id":"voice"}`)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "connection_timeout", decode(t, w)["error"])

	w = do(t, s, http.MethodPost, "/v1/groups/other/recording", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/v1/groups/other/recording", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStopWithoutSession(t *testing.T) {
	s, _, _ := newTestServer(t, newFakeRecorder())

	w := do(t, s, http.MethodDelete, "/v1/groups/guild/recording", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "There is no active recording to stop.", decode(t, w)["message"])
}

func TestStopOutlivesClientDisconnect(t *testing.T) {
	rec := newFakeRecorder()
	s, _, _ := newTestServer(t, rec)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/groups/guild/recording", `{"channel_id":"voice"}`).Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodDelete, "/v1/groups/guild/recording", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, rec.stopErrs, 1)
	assert.NoError(t, rec.stopErrs[0])
	assert.Equal(t, []session.Reason{session.ReasonManual}, rec.stopped)
}

func TestStopWaitsForMixdown(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "guild-1")
	require.NoError(t, os.Mkdir(dir, 0o755))
	samples := make([]int16, audio.FramesFor(time.Second)*audio.Channels)
	data := audio.PutSamples(make([]byte, len(samples)*2), samples)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice-1.raw"), data, 0o644))
	require.NoError(t, mixdown.WriteMetadata(dir, &mixdown.Metadata{
		SessionID: "s-guild",
		GroupID:   "guild",
		Format:    audio.Raw,
		Segments:  []mixdown.Source{{Filename: "alice-1.raw", SpeakerID: "alice", Bytes: int64(len(data))}},
	}))

	rec := newFakeRecorder()
	rec.job = mixdown.NewEngine(&mixdown.Native{}, "wav", false).Start(context.Background(), dir)
	s, _, _ := newTestServer(t, rec)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/groups/guild/recording", `{"channel_id":"voice"}`).Code)

	w := do(t, s, http.MethodDelete, "/v1/groups/guild/recording?wait=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	mix, ok := decode(t, w)["mixdown"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "guild-1.wav"), mix["path"])
	assert.Contains(t, mix["message"], "Recording ready")
}

func TestStopWaitReportsNoAudio(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, mixdown.WriteMetadata(dir, &mixdown.Metadata{SessionID: "s-guild", Format: audio.Raw}))

	rec := newFakeRecorder()
	rec.job = mixdown.NewEngine(&mixdown.Native{}, "wav", false).Start(context.Background(), dir)
	s, _, _ := newTestServer(t, rec)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v1/groups/guild/recording", `{"channel_id":"voice"}`).Code)

	w := do(t, s, http.MethodDelete, "/v1/groups/guild/recording?wait=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	mix := decode(t, w)["mixdown"].(map[string]any)
	assert.Equal(t, "no_audio_captured", mix["error"])
}

func TestListAndHealth(t *testing.T) {
	rec := newFakeRecorder()
	s, _, _ := newTestServer(t, rec)
	do(t, s, http.MethodPost, "/v1/groups/a/recording", `{"channel_id":"voice"}`)
	do(t, s, http.MethodPost, "/v1/groups/b/recording", `{"channel_id":"voice"}`)

	w := do(t, s, http.MethodGet, "/v1/recordings", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	w = do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["sessions"])
	assert.Equal(t, "ok", body["status"])
}

func TestHealthReportsFailingChecks(t *testing.T) {
	var natsUp bool
	s := New(newFakeRecorder(), Options{
		Gatherer: prometheus.NewRegistry(),
		Checks:   map[string]func() bool{"nats": func() bool { return natsUp }},
	})

	body := decode(t, do(t, s, http.MethodGet, "/healthz", ""))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"nats": false}, body["checks"])

	natsUp = true
	body = decode(t, do(t, s, http.MethodGet, "/healthz", ""))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"nats": true}, body["checks"])
}

func TestRequestsAreCounted(t *testing.T) {
	s, m, _ := newTestServer(t, newFakeRecorder())
	do(t, s, http.MethodGet, "/v1/groups/guild/recording", "")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/v1/groups/{groupID}/recording", http.MethodGet, "404")))

	w := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "recorder_http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(newFakeRecorder(), Options{Gatherer: reg, CORSOrigins: []string{"https://panel.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/v1/groups/guild/recording", nil)
	req.Header.Set("Origin", "https://panel.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, "https://panel.example", w.Header().Get("Access-Control-Allow-Origin"))
}
