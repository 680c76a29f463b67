package oauthrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"agenthub/internal/docker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHexLEToIPDecodesLittleEndianGateway(t *testing.T) {
	// 0100A8C0 little-endian hex == 192.168.0.1
	ip, err := hexLEToIP("0100A8C0")
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.1", ip)
}

func TestClassifyTransportError(t *testing.T) {
	assert.Equal(t, "connection_refused", classifyTransportError(errString("dial tcp: connection refused")))
	assert.Equal(t, "dns_resolution_failed", classifyTransportError(errString("lookup x: no such host")))
}

type errString string

func (e errString) Error() string { return string(e) }

func TestRelaySucceedsOnFirstReachableCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	dc, _ := docker.NewMockClient()
	relay := NewRelay(dc, "http://"+u.Host)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	res, err := relay.Relay(context.Background(), "container1", port, "/callback", url.Values{"state": {"abc"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestSensitiveQueryKeysDetectsCodeAndToken(t *testing.T) {
	keys := sensitiveQueryKeys(url.Values{"code": {"x"}, "state": {"y"}, "access_token": {"z"}})
	assert.ElementsMatch(t, []string{"code", "access_token"}, keys)
}
