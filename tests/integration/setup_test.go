//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"modelref/config"
	"modelref/internal/app"
)

const testMasterKey = "integration-master-key"

// TestServerConfig configures how the test server is set up.
type TestServerConfig struct {
	// DBType is either "postgresql" or "mongodb"
	DBType string

	// Backend is "filesystem" (default) or "redis"
	Backend string

	// RedisPrefix isolates the keys of one test from the others
	RedisPrefix string
}

// TestServerFixture holds test server resources.
type TestServerFixture struct {
	// ServerURL is the base URL of the test server
	ServerURL string

	// App is the running application
	App *app.App

	// BasePath is the directory holding the reference files
	BasePath string

	// PgPool is the PostgreSQL connection pool (for DB assertions)
	PgPool *pgxpool.Pool

	// MongoDb is the MongoDB database (for DB assertions)
	MongoDb *mongo.Database

	cancelFunc context.CancelFunc
}

// SetupTestServer creates a primary server with the specified configuration.
func SetupTestServer(t *testing.T, cfg TestServerConfig) *TestServerFixture {
	t.Helper()

	ctx, cancel := context.WithCancel(GetTestContext())

	port, err := findAvailablePort()
	require.NoError(t, err, "failed to find available port")

	basePath := t.TempDir()
	appCfg := buildAppConfig(t, cfg, basePath, port)

	application, err := app.New(ctx, app.Config{AppConfig: appCfg})
	require.NoError(t, err, "failed to create app")

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	go func() {
		_ = application.Start(fmt.Sprintf("127.0.0.1:%d", port))
	}()

	err = waitForServer(serverURL + "/health")
	require.NoError(t, err, "server failed to become healthy")

	fixture := &TestServerFixture{
		ServerURL:  serverURL,
		App:        application,
		BasePath:   basePath,
		cancelFunc: cancel,
	}
	switch cfg.DBType {
	case "postgresql":
		fixture.PgPool = GetPostgreSQLPool()
	case "mongodb":
		fixture.MongoDb = GetMongoDatabase()
	}

	t.Cleanup(func() { fixture.Shutdown(t) })
	return fixture
}

// Shutdown gracefully shuts down the test server.
func (f *TestServerFixture) Shutdown(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if f.App != nil {
		require.NoError(t, f.App.Shutdown(ctx), "failed to shutdown app")
	}
	if f.cancelFunc != nil {
		f.cancelFunc()
	}
}

// buildAppConfig creates an application config for testing.
func buildAppConfig(t *testing.T, cfg TestServerConfig, basePath string, port int) *config.Config {
	t.Helper()

	appCfg, err := config.Load("")
	require.NoError(t, err)

	appCfg.Server.Port = fmt.Sprintf("%d", port)
	appCfg.Server.MasterKey = testMasterKey
	appCfg.Reference.BasePath = basePath
	appCfg.Reference.ReplicateMode = "primary"
	appCfg.Reference.Backend = config.BackendFileSystem
	appCfg.Logging.Level = "error"

	if cfg.Backend == config.BackendRedis {
		appCfg.Reference.Backend = config.BackendRedis
		appCfg.Redis.URL = GetRedisURL()
		appCfg.Redis.KeyPrefix = cfg.RedisPrefix
		appCfg.Redis.UsePubSub = true
		appCfg.Redis.CompressThreshold = 256
	}

	switch cfg.DBType {
	case "postgresql":
		appCfg.Storage = config.StorageConfig{
			Type: "postgresql",
			PostgreSQL: config.PostgreSQLConfig{
				URL:      GetPostgreSQLURL(),
				MaxConns: 5,
			},
		}
	case "mongodb":
		appCfg.Storage = config.StorageConfig{
			Type: "mongodb",
			MongoDB: config.MongoDBConfig{
				URL:      GetMongoURL(),
				Database: "modelref_test",
			},
		}
	case "", "memory":
		appCfg.Storage = config.StorageConfig{Type: "memory"}
	default:
		t.Fatalf("unsupported DB type: %s", cfg.DBType)
	}

	return appCfg
}

// doRequest sends a JSON request with the master key and returns the
// status code and body.
func doRequest(t *testing.T, method, url string, payload any) (int, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testMasterKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// waitForServer waits for the server to become healthy.
func waitForServer(healthURL string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	for i := 0; i < 50; i++ {
		resp, err := client.Get(healthURL)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server did not become healthy within timeout")
}

// findAvailablePort finds an available TCP port on loopback.
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = listener.Close() }()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
