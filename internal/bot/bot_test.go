package bot

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestMetricsTransportRecordsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &MetricsTransport{Base: srv.Client().Transport}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	failing := &http.Client{Transport: &MetricsTransport{Base: failingTransport{}}}
	_, err = failing.Get(srv.URL)
	assert.Error(t, err)

	assert.GreaterOrEqual(t, testutil.CollectAndCount(restLatency, "automod_discord_rest_seconds"), 2)
}

func TestNewConfiguresSession(t *testing.T) {
	b, err := New("token", nil)
	require.NoError(t, err)

	s := b.Session
	assert.NotZero(t, s.Identify.Intents&discordgo.IntentsGuildMembers)
	assert.NotZero(t, s.Identify.Intents&discordgo.IntentsMessageContent)
	assert.True(t, s.State.TrackMembers)
	assert.Zero(t, s.State.MaxMessageCount)
	assert.IsType(t, &MetricsTransport{}, s.Client.Transport)
	assert.Equal(t, "Bot token", s.Identify.Token)
}
