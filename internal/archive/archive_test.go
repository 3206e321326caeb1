package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailsync/internal/config"
	"trailsync/internal/models"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "raw/strava/u1/123.json", Key(models.SourceStrava, "u1", "123"))
	assert.Equal(t, "etc/passwd.json", Key(models.SourceGarmin, "../..", "etc/passwd"))
}

func TestLocalPut(t *testing.T) {
	dir := t.TempDir()
	a, err := New(context.Background(), config.ArchiveConfig{Dir: dir})
	require.NoError(t, err)

	path, err := a.Put(context.Background(), "../raw/strava/u1/1.json", []byte(`{"id":1}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "raw", "strava", "u1", "1.json"), path)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(body))
}

func TestNewDisabled(t *testing.T) {
	a, err := New(context.Background(), config.ArchiveConfig{})
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestS3Put(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodPut {
			paths = append(paths, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := New(context.Background(), config.ArchiveConfig{
		S3Bucket:    "raw-payloads",
		S3Region:    "us-east-1",
		S3Endpoint:  srv.URL,
		S3PathStyle: true,
	}, awsconfig.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider("key", "secret", "")))
	require.NoError(t, err)

	loc, err := a.Put(context.Background(), Key(models.SourceStrava, "u1", "42"), []byte(`{}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, "s3://raw-payloads/raw/strava/u1/42.json", loc)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/raw-payloads/raw/strava/u1/42.json"}, paths)
}
