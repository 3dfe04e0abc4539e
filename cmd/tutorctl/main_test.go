package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/lectura-tutor/internal/health"
)

func newBackend(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"content":"`+reply+`"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetErr(io.Discard)
	err := execute(context.Background(), root, args, &out)
	return out.String(), err
}

func TestAskPrintsDeliveredMessages(t *testing.T) {
	srv := newBackend(t, "El puente une las islas.")

	out, err := runCLI(t, "--backend", srv.URL, "ask", "¿qué", "significa", "el", "puente?", "--result")
	require.NoError(t, err)
	assert.Contains(t, out, "[user] ")
	assert.Contains(t, out, "[assistant] El puente une las islas.")
	assert.Contains(t, out, "valid=true")
}

func TestActionReadsFullText(t *testing.T) {
	srv := newBackend(t, "La memoria sostiene el puente.")
	text := filepath.Join(t.TempDir(), "lectura.txt")
	require.NoError(t, os.WriteFile(text, []byte("Somos islas dispersas en un mar de silencio."), 0o600))

	out, err := runCLI(t, "--backend", srv.URL, "action", "explicar",
		"--fragment", "Somos islas dispersas", "--text", text, "--length", "breve")
	require.NoError(t, err)
	assert.Contains(t, out, "[assistant] La memoria sostiene el puente.")
}

func TestActionRequiresFragment(t *testing.T) {
	_, err := runCLI(t, "action", "explain")
	assert.ErrorContains(t, err, "--fragment")

	_, err = runCLI(t, "action")
	assert.Error(t, err)
}

func TestNotesActionIsIgnored(t *testing.T) {
	srv := newBackend(t, "no debería llamarse")

	out, err := runCLI(t, "--backend", srv.URL, "action", "notas", "--fragment", "x")
	require.NoError(t, err)
	assert.Equal(t, "(ignored)\n", out)
}

func TestHealthProbe(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := health.NewServer(nil)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	addr := lis.Addr().String()
	_, err = runCLI(t, "health", "--addr", addr)
	assert.ErrorContains(t, err, "NOT_SERVING")

	srv.SetServing(true)
	out, err := runCLI(t, "health", "--addr", addr)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", strings.TrimSpace(out))
}
