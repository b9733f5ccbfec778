package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gokvm/microvm/api"
	"github.com/gokvm/microvm/mmds"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, maxBody int64) (*api.Server, *http.Client) {
	t.Helper()

	sockPath := filepath.Join(t.TempDir(), "api.sock")

	s, err := api.New(sockPath, maxBody, mmds.New(), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)

	go s.Serve() //nolint:errcheck

	t.Cleanup(func() { s.Close() })

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", sockPath)
			},
		},
	}

	return s, client
}

func TestMMDSRoundTrip(t *testing.T) {
	t.Parallel()

	_, client := newTestServer(t, 0)

	put, err := http.NewRequest(http.MethodPut, "http://unix/mmds", bytes.NewBufferString(`{"instance-id":"i-1"}`))
	require.NoError(t, err)

	resp, err := client.Do(put)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	get, err := client.Get("http://unix/mmds")
	require.NoError(t, err)

	defer get.Body.Close()

	require.Equal(t, http.StatusOK, get.StatusCode)

	var doc map[string]any

	require.NoError(t, json.NewDecoder(get.Body).Decode(&doc))
	require.Equal(t, "i-1", doc["instance-id"])
}

func TestMMDSGetBeforePutIsBadRequest(t *testing.T) {
	t.Parallel()

	_, client := newTestServer(t, 0)

	resp, err := client.Get("http://unix/mmds")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOversizeDeclaredContentLengthIsBadRequest(t *testing.T) {
	t.Parallel()

	_, client := newTestServer(t, 50)

	big := bytes.Repeat([]byte("a"), 50000)

	req, err := http.NewRequest(http.MethodPut, "http://unix/boot-source", bytes.NewReader(big))
	require.NoError(t, err)
	req.ContentLength = 50000

	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var fault struct {
		FaultMessage string `json:"fault_message"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fault))
	require.Contains(t, fault.FaultMessage, "larger than the limit of 50")
}

func TestOversizeStreamedBodyIsTooLarge(t *testing.T) {
	t.Parallel()

	_, client := newTestServer(t, 50)

	big := bytes.Repeat([]byte("a"), 500)

	req, err := http.NewRequest(http.MethodPut, "http://unix/boot-source", bytes.NewReader(big))
	require.NoError(t, err)
	req.ContentLength = -1 // force chunked, no declared length to pre-reject on

	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestUnknownResourceIsBadRequest(t *testing.T) {
	t.Parallel()

	_, client := newTestServer(t, 0)

	resp, err := client.Get("http://unix/nonsense")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBootSourceDispatchesAndWaitsForReply(t *testing.T) {
	t.Parallel()

	s, client := newTestServer(t, 0)

	done := make(chan struct{})

	go func() {
		defer close(done)

		req := <-s.Requests()
		bs, ok := req.Payload.(api.BootSource)
		if !ok || bs.KernelImagePath != "/boot/vmlinux" {
			req.Reply <- api.Response{Err: fmt.Errorf("unexpected payload %#v", req.Payload)}

			return
		}

		req.Reply <- api.Response{StatusCode: http.StatusNoContent}
	}()

	body := `{"kernel_image_path":"/boot/vmlinux"}`

	req, err := http.NewRequest(http.MethodPut, "http://unix/boot-source", bytes.NewBufferString(body))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for consumer goroutine")
	}
}

func TestShutdownInternalClosesShutdownChannel(t *testing.T) {
	t.Parallel()

	s, client := newTestServer(t, 0)

	req, err := http.NewRequest(http.MethodPut, "http://unix/shutdown-internal", nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case <-s.ShutdownRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown channel was not closed")
	}
}
