package backend

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelref/config"
	"modelref/internal/core"
	"modelref/internal/metadata"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Reference.BasePath = testBase
	return cfg
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		backend string
		primary string
		want    string
	}{
		{name: "auto primary", mode: "primary", backend: config.BackendAuto, want: config.BackendFileSystem},
		{name: "auto replica with primary url", mode: "replica", backend: config.BackendAuto, primary: "https://models.example.com/api", want: config.BackendHTTP},
		{name: "auto replica", mode: "replica", backend: config.BackendAuto, want: config.BackendGitHub},
		{name: "empty is auto", mode: "PRIMARY", want: config.BackendFileSystem},
		{name: "explicit redis", mode: "replica", backend: config.BackendRedis, want: config.BackendRedis},
		{name: "explicit filesystem replica", mode: "replica", backend: config.BackendFileSystem, want: config.BackendFileSystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Reference.ReplicateMode = tt.mode
			cfg.Reference.Backend = tt.backend
			cfg.Primary.URL = tt.primary
			assert.Equal(t, tt.want, Select(cfg))
		})
	}
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.True(t, core.IsKind(err, core.ErrorKindConfiguration))
}

func TestNew_FileSystem(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reference.ReplicateMode = "primary"
	fs := afero.NewMemMapFs()
	tracker := metadata.NewTracker(metadata.NewMemoryStore())

	res, err := New(context.Background(), cfg, WithFs(fs), WithTracker(tracker))
	require.NoError(t, err)
	defer res.Close()

	require.NotNil(t, res.FileSystem)
	assert.Nil(t, res.HTTP)
	assert.Equal(t, FileSystemName, res.Backend.Name())
	assert.Equal(t, ModePrimary, res.Backend.Mode())
	assert.Equal(t, cfg.Reference.CacheTTL.Std(), res.FileSystem.Policy().TTL)

	require.NoError(t, res.Backend.UpdateModel(context.Background(), core.CategoryClip, "m", core.Record{}))
	md, err := tracker.Get(context.Background(), metadata.FormatV2, core.CategoryClip)
	require.NoError(t, err)
	assert.Equal(t, "m", md.LastModel)
}

func TestNew_GitHub(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reference.ReplicateMode = "replica"

	res, err := New(context.Background(), cfg, WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	defer res.Close()

	assert.Equal(t, GitHubName, res.Backend.Name())
	assert.Nil(t, res.FileSystem)
}

func TestNew_HTTPWithFallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reference.ReplicateMode = "replica"
	cfg.Primary.URL = "https://models.example.com/api"
	cfg.Primary.EnableGitHubFallback = true

	res, err := New(context.Background(), cfg, WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	defer res.Close()

	require.NotNil(t, res.HTTP)
	assert.Equal(t, HTTPName, res.Backend.Name())

	stats, err := res.HTTP.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, stats["fallback_enabled"])
}

func TestNew_HTTPInvalidURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reference.Backend = config.BackendHTTP
	cfg.Primary.URL = "models.example.com"

	_, err := New(context.Background(), cfg, WithFs(afero.NewMemMapFs()))
	assert.True(t, core.IsKind(err, core.ErrorKindConfiguration))
}

func TestResult_CloseNil(t *testing.T) {
	var r *Result
	assert.NoError(t, r.Close())
}
