package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/config"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/metrics"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/mixdown"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/session"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/voice"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/voice/livekit"
)

type routerConn struct{ *voice.Router }

func (c routerConn) Close() error {
	c.Router.Close()
	return nil
}

type routerGateway struct{}

func (routerGateway) Join(context.Context, string, string) (voice.Connection, error) {
	return routerConn{voice.NewRouter(voice.RouterOptions{})}, nil
}

func (routerGateway) Close() error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Recording.Dir = t.TempDir()
	cfg.Recording.FlushTimeout = time.Second
	cfg.Mixdown.Format = "wav"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.DrainTimeout = 5 * time.Second
	return &cfg
}

func TestNewEnginePicksTranscoder(t *testing.T) {
	e, err := NewEngine(config.MixdownConfig{Format: "wav", SampleRate: 16000})
	require.NoError(t, err)
	assert.IsType(t, &mixdown.Native{}, e.Transcoder)

	e, err = NewEngine(config.MixdownConfig{Format: "mp3", FFmpegPath: "ffmpeg", FFmpegArgs: "-b:a 96k", Timeout: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &mixdown.FFmpeg{}, e.Transcoder)

	_, err = NewEngine(config.MixdownConfig{Format: "ogg", FFmpegPath: "ffmpeg", FFmpegArgs: `"unterminated`})
	assert.Error(t, err)
}

func TestNewGateway(t *testing.T) {
	g, err := NewGateway(config.VoiceConfig{
		Provider: "livekit",
		BurstGap: 250 * time.Millisecond,
		LiveKit:  config.LiveKitConfig{URL: "wss://lk.example", APIKey: "key", APISecret: "secret", Identity: "recorder"},
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &livekit.Gateway{}, g)

	_, err = NewGateway(config.VoiceConfig{Provider: "teamspeak"}, nil)
	assert.Error(t, err)
}

func TestLifecycleUpdatesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s, err := build(testConfig(t), routerGateway{}, reg, m)
	require.NoError(t, err)
	defer s.Stop()

	handler := s.server.Handler()
	req := httptest.NewRequest(http.MethodPost, "/v1/groups/guild/recording", strings.NewReader(`{"channel_id":"voice","requester":"42"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsStarted))

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/groups/guild/recording", strings.NewReader(`{"channel_id":"voice"}`)))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StartFailures.WithLabelValues("already_recording")))

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/groups/guild/recording?wait=true", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "no_audio_captured")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsStopped.WithLabelValues("manual")))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.MixdownResults.WithLabelValues("no_audio")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunDrainsOnStop(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := build(testConfig(t), routerGateway{}, reg, metrics.New(reg))
	require.NoError(t, err)

	_, err = s.Manager().Start(context.Background(), sessionChannel("guild"), "42")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	s.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Nil(t, s.Manager().Status("guild"))
	assert.Empty(t, s.Manager().Active())
}

func TestHealthReportsUnreachableNATS(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.NATSURL = "nats://127.0.0.1:1"
	reg := prometheus.NewRegistry()
	s, err := build(cfg, routerGateway{}, reg, metrics.New(reg))
	require.NoError(t, err)
	defer s.Stop()

	w := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status string          `json:"status"`
		Checks map[string]bool `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, map[string]bool{"nats": false}, body.Checks)
}

func sessionChannel(groupID string) session.Channel {
	return session.Channel{GroupID: groupID, ChannelID: "voice"}
}
