package liveserver_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/savekit/connection"
	"github.com/veiloq/savekit/liveserver"
)

func TestParseAddr(t *testing.T) {
	tests := []struct {
		addr  string
		host  string
		ports []int
		ok    bool
	}{
		{"localhost:8000", "localhost", []int{8000}, true},
		{"localhost:8000-8002", "localhost", []int{8000, 8001, 8002}, true},
		{"127.0.0.1:8000,8010-8011", "127.0.0.1", []int{8000, 8010, 8011}, true},
		{"localhost", "", nil, false},
		{"localhost:", "", nil, false},
		{"localhost:abc", "", nil, false},
		{"localhost:9000-8000", "", nil, false},
		{"localhost:70000", "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			host, ports, err := liveserver.ParseAddr(tt.addr)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.ports, ports)
		})
	}
}

func TestStartSkipsBusyPorts(t *testing.T) {
	busy, err := connection.ListenFirst("127.0.0.1")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})
	s, err := liveserver.Start(fmt.Sprintf("127.0.0.1:%d,0", busyPort), h, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
	}()

	assert.NotEqual(t, busyPort, s.Port())
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(s.Port()), s.URL())

	resp, err := http.Get(s.URL() + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
}

func TestStartFailsWhenAllBusy(t *testing.T) {
	busy, err := connection.ListenFirst("127.0.0.1")
	require.NoError(t, err)
	defer busy.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", busy.Addr().(*net.TCPAddr).Port)
	_, err = liveserver.Start(addr, http.NotFoundHandler(), zaptest.NewLogger(t))
	assert.ErrorIs(t, err, connection.ErrNoFreePort)
}
