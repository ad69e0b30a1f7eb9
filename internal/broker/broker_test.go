package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkv/internal/migration"
)

// TestCommitMigration_404TreatedAsSuccess covers the 404-as-success
// idempotence rule: a prior commit already reconciled this task.
func TestCommitMigration_404TreatedAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/api/clusters/migrations", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewHTTPMetaManipulationBroker(srv.URL)
	err := b.CommitMigration(context.Background(), migration.Task{TaskID: "t1"})
	require.NoError(t, err)
}

func TestCommitMigration_2xxSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewHTTPMetaManipulationBroker(srv.URL)
	require.NoError(t, b.CommitMigration(context.Background(), migration.Task{TaskID: "t1"}))
}

func TestCommitMigration_OtherStatusIsInvalidReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewHTTPMetaManipulationBroker(srv.URL)
	err := b.CommitMigration(context.Background(), migration.Task{TaskID: "t1"})
	require.ErrorIs(t, err, ErrInvalidReply)
}

func TestReplaceProxy_DecodesHostOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/proxies/failover/old:7000", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"addr":"new:7000"}`))
	}))
	defer srv.Close()

	b := NewHTTPMetaManipulationBroker(srv.URL)
	host, err := b.ReplaceProxy(context.Background(), "old:7000")
	require.NoError(t, err)
	require.Equal(t, "new:7000", host.Addr)
}

func TestGetHostAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"addresses":["a:1","b:2"]}`))
	}))
	defer srv.Close()

	b := NewHTTPMetaDataBroker(srv.URL)
	addrs, err := b.GetHostAddresses(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a:1", "b:2"}, addrs)
}

func TestAddFailure(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewHTTPMetaDataBroker(srv.URL)
	require.NoError(t, b.AddFailure(context.Background(), "dead:1", "coord-a"))
	require.Contains(t, gotBody, "dead:1")
	require.Contains(t, gotBody, "coord-a")
}
