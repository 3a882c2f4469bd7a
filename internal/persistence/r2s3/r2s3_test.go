package r2s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("transient")
	}
	f.keys = append(f.keys, key)
	return nil
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("save"), 0o644))
}

func TestMirror_UploadsRelativeKeysWithRetry(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "autosave", "autosave_round_odd.tsvg")
	writeFile(t, a)

	up := &fakeUploader{fails: 1}
	m := NewMirror(up, MirrorOptions{BaseDir: dir, Prefix: "/games/g1/"}, nil)
	m.backoff = time.Millisecond
	m.Enqueue(a)
	m.Enqueue(filepath.Join(t.TempDir(), "outside.tsvg"))
	require.NoError(t, m.Close(context.Background()))

	assert.Equal(t, []string{"games/g1/autosave/autosave_round_odd.tsvg"}, up.keys)
	st := m.Stats()
	assert.Equal(t, uint64(2), st.Enqueued)
	assert.Equal(t, uint64(1), st.Uploaded)
	assert.Zero(t, st.Failed)
}

func TestMirror_NilIsInert(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	assert.NoError(t, m.Close(context.Background()))
	assert.Equal(t, Stats{}, m.Stats())
}

func TestClient_PutFileSigned(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Credentials{Endpoint: srv.URL, Region: "eu-west-1", Bucket: "saves", AccessKeyID: "AK", SecretAccessKey: "SK"})
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	path := filepath.Join(t.TempDir(), "a b.tsvg")
	writeFile(t, path)
	require.NoError(t, c.PutFile(context.Background(), "g1/a b.tsvg", path))

	assert.Equal(t, "/saves/g1/a b.tsvg", gotPath)
	assert.Equal(t, "save", gotBody)
	assert.True(t, strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AK/20260102/eu-west-1/s3/aws4_request"))
}

func TestClient_Errors(t *testing.T) {
	_, err := New(Credentials{Endpoint: "example.com"})
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()
	c, err := New(Credentials{Endpoint: srv.URL, Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "x.tsvg")
	writeFile(t, path)

	err = c.PutFile(context.Background(), "x.tsvg", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=403")
	assert.Error(t, c.PutFile(context.Background(), " / ", path))
}

func TestCredentials_Validate(t *testing.T) {
	err := Credentials{Endpoint: "example.com", Bucket: "saves"}.Validate()
	require.Error(t, err)
	assert.Equal(t, "mirror credentials missing access_key_id, secret_access_key", err.Error())

	ok := Credentials{Endpoint: "example.com", Bucket: "saves", AccessKeyID: "a", SecretAccessKey: "s"}
	assert.NoError(t, ok.Validate())

	ok.Endpoint = "https://"
	assert.Error(t, ok.Validate())
}
