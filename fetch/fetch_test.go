package fetch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dridi/mkosi/fetch"
)

func Test_Get_Returns_Body(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("20230108T161708Z/stage3.tar.xz\n"))
	}))
	t.Cleanup(srv.Close)

	body, err := fetch.Get(context.Background(), srv.Client(), srv.URL+"/latest-stage3.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if string(body) != "20230108T161708Z/stage3.tar.xz\n" {
		t.Fatalf("body = %q", body)
	}
}

func Test_Get_Fails_For_Error_Status(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	_, err := fetch.Get(context.Background(), srv.Client(), srv.URL+"/absent")
	if err == nil {
		t.Fatal("expected error")
	}

	var fetchErr *fetch.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}

	if fetchErr.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", fetchErr.StatusCode)
	}
}

func Test_File_Downloads_And_Applies_Last_Modified(t *testing.T) {
	t.Parallel()

	published := time.Date(2023, 1, 8, 16, 17, 8, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", published.Format(http.TimeFormat))
		_, _ = w.Write([]byte("archive-bytes"))
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "stage3.tar")

	updated, err := fetch.File(context.Background(), srv.Client(), srv.URL+"/stage3.tar.xz", dest)
	if err != nil {
		t.Fatalf("File: %v", err)
	}

	if !updated {
		t.Fatal("expected updated=true for first download")
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}

	if string(data) != "archive-bytes" {
		t.Fatalf("dest content = %q", data)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat dest: %v", err)
	}

	if !info.ModTime().Equal(published) {
		t.Fatalf("dest mtime = %v, want %v", info.ModTime(), published)
	}
}

func Test_File_Reuses_Cached_Copy_On_304(t *testing.T) {
	t.Parallel()

	var sawConditional bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") != "" {
			sawConditional = true

			w.WriteHeader(http.StatusNotModified)

			return
		}

		_, _ = w.Write([]byte("cached-bytes"))
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "stage3.tar")

	updated, err := fetch.File(context.Background(), srv.Client(), srv.URL+"/stage3.tar.xz", dest)
	if err != nil {
		t.Fatalf("first File: %v", err)
	}

	if !updated {
		t.Fatal("expected updated=true for first download")
	}

	updated, err = fetch.File(context.Background(), srv.Client(), srv.URL+"/stage3.tar.xz", dest)
	if err != nil {
		t.Fatalf("second File: %v", err)
	}

	if updated {
		t.Fatal("expected updated=false for revalidated copy")
	}

	if !sawConditional {
		t.Fatal("second request did not carry If-Modified-Since")
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}

	if string(data) != "cached-bytes" {
		t.Fatalf("dest content = %q after 304", data)
	}
}

func Test_File_Leaves_No_Partial_File_On_Error_Status(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "mirror broken", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	dest := filepath.Join(dir, "stage3.tar")

	_, err := fetch.File(context.Background(), srv.Client(), srv.URL+"/stage3.tar.xz", dest)
	if err == nil {
		t.Fatal("expected error")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}

	if len(entries) != 0 {
		t.Fatalf("expected empty directory after failed fetch, found %d entries", len(entries))
	}
}
