package sqlstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
)

// OpenTest opens a fresh SQLite database in t's temporary directory and
// closes it when the test ends.
func OpenTest(t testing.TB) *Client {
	t.Helper()
	client, err := New(config.DatastoreConfig{
		Driver:       config.DriverSQLite,
		Path:         filepath.Join(t.TempDir(), "index.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 4,
		BusyTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("opening test datastore: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
