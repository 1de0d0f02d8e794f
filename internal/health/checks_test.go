package health

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestCheckHealthyWhenServerAndDirsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	status := Check(srv.URL, filepath.Join(dir, "vault"), filepath.Join(dir, "logs"))
	if !status.Healthy {
		t.Fatalf("expected healthy status, got issues: %v", status.Issues)
	}
	if !status.ServerReachable || !status.VaultWritable || !status.LogDirWritable {
		t.Fatalf("expected all checks true, got %+v", status)
	}
}

func TestCheckUnhealthyWhenServerUnreachable(t *testing.T) {
	dir := t.TempDir()
	status := Check("http://127.0.0.1:1", filepath.Join(dir, "vault"), filepath.Join(dir, "logs"))
	if status.Healthy {
		t.Fatal("expected unhealthy status when server is unreachable")
	}
}
