package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freakwan/freakwan-node/pkg/cli"
	"github.com/freakwan/freakwan-node/pkg/crypto"
	"github.com/freakwan/freakwan-node/pkg/mesh"
	"github.com/freakwan/freakwan-node/pkg/protocol"
	"github.com/freakwan/freakwan-node/pkg/storage"
)

type nullRadio struct{}

func (nullRadio) Configure(mesh.RadioParams) error           { return nil }
func (nullRadio) Receive() error                             { return nil }
func (nullRadio) Send([]byte) error                          { return nil }
func (nullRadio) ModemIsReceivingPacket() bool               { return false }
func (nullRadio) TXInProgress() bool                         { return false }
func (nullRadio) Receiving() bool                            { return true }
func (nullRadio) Reset() error                               { return nil }
func (nullRadio) SetHandlers(mesh.RXHandler, mesh.TXHandler) {}

func newTestServer(t *testing.T) (*Server, *mesh.FreakWAN) {
	t.Helper()
	kc, err := crypto.NewKeychain(t.TempDir())
	require.NoError(t, err)
	journal, err := storage.NewJournal(t.TempDir(), 0, 0)
	require.NoError(t, err)
	archive, err := storage.NewArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

	cfg := mesh.Config{
		Nick:   "tester",
		Status: "testing",
		Radio: mesh.RadioParams{
			FreqHz: 869500000, BandwidthHz: 250000,
			CodingRate: 8, Spreading: 12, TXPowerDBM: 14,
		},
		DutyCycleCap: 10, RelayNumTX: 3, RelayRSSILimit: -60,
	}
	fw := mesh.NewFreakWAN(protocol.Address{1, 2, 3, 4, 5, 6}, cfg, nullRadio{}, kc, journal)
	fw.AttachArchive(archive)
	ctrl := cli.NewCommandsController(fw, filepath.Join(t.TempDir(), "settings.yaml"))
	return NewServer(fw, ctrl, archive, nil), fw
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "010203040506", resp.Address)
	assert.Equal(t, "tester", resp.Nick)
	assert.Equal(t, uint32(869500000), resp.FreqHz)
	assert.Equal(t, uint8(12), resp.Spreading)
}

func TestCommandEndpoint(t *testing.T) {
	s, fw := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/command",
		jsonBody{"command": "!nick alice"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Replies []string `json:"replies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Replies, 1)
	assert.Equal(t, "Your nick is: alice", resp.Replies[0])
	assert.Equal(t, "alice", fw.ConfigSnapshot().Nick)

	// Missing body is a 400.
	w = doJSON(t, s, http.MethodPost, "/api/v1/command", jsonBody{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type jsonBody = map[string]any

func TestSendEndpoint(t *testing.T) {
	s, fw := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/send", jsonBody{"text": "hi mesh"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, fw.QueueLen())

	// Unknown key.
	w = doJSON(t, s, http.MethodPost, "/api/v1/send",
		jsonBody{"text": "x", "key": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNeighborsEndpoint(t *testing.T) {
	s, fw := newTestServer(t)

	fw.Neighbors().Upsert(protocol.NewHelloMessage(
		protocol.Address{9, 9, 9, 9, 9, 9}, "bob", "here", 1))

	w := doJSON(t, s, http.MethodGet, "/api/v1/neighbors", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Neighbors []NeighborInfo `json:"neighbors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Neighbors, 1)
	assert.Equal(t, "bob", resp.Neighbors[0].Nick)
	assert.Equal(t, "090909090909", resp.Neighbors[0].Address)
}

func TestMessagesEndpoint(t *testing.T) {
	s, fw := newTestServer(t)

	m := protocol.NewDataMessage(protocol.Address{7}, "alice", "hello", "")
	require.NoError(t, s.archive.Store(m))

	w := doJSON(t, s, http.MethodGet, "/api/v1/messages?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Messages []storage.ArchivedMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hello", resp.Messages[0].Body)

	w = doJSON(t, s, http.MethodGet, "/api/v1/messages?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	_ = fw
}

func TestKeysEndpoint(t *testing.T) {
	s, fw := newTestServer(t)
	require.NoError(t, fw.Keychain().AddKey("grp", []byte("secret")))

	w := doJSON(t, s, http.MethodGet, "/api/v1/keys", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Keys []struct {
			Name        string `json:"name"`
			Fingerprint string `json:"fingerprint"`
		} `json:"keys"`
		Default string `json:"default"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Keys, 1)
	assert.Equal(t, "grp", resp.Keys[0].Name)
	assert.Len(t, resp.Keys[0].Fingerprint, 8)
	assert.Equal(t, "", resp.Default)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "freakwan_")
}
