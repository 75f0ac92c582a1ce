// Package fetch retrieves mirror-hosted files over HTTP(S) with
// conditional re-fetch.
//
// Downloaded archives are cached on disk and revalidated with
// If-Modified-Since against the local copy's modification time, so repeated
// builds reuse the cached snapshot unless the mirror published a newer one.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// FetchError reports an unreachable mirror or an unexpected response.
type FetchError struct {
	// URL is the request URL.
	URL string

	// StatusCode is the HTTP status, or 0 when the request never completed.
	StatusCode int

	// Err is the underlying error, if any.
	Err error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}

	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Get retrieves url and returns the response body.
//
// Used for small manifest files that are re-read on every build; large
// artifacts go through [File].
func Get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	return body, nil
}

// File downloads url into dest, revalidating an existing copy with
// If-Modified-Since.
//
// The reported updated flag is true when dest now holds new content and
// false when the cached copy was still current (HTTP 304). Downloads land in
// a temporary file next to dest and are renamed into place, so dest is never
// observed half-written. When the server sends Last-Modified, dest's
// modification time is set to it, keeping subsequent conditional requests
// accurate.
func File(ctx context.Context, client *http.Client, url, dest string) (bool, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, &FetchError{URL: url, Err: err}
	}

	info, statErr := os.Stat(dest)
	if statErr == nil {
		req.Header.Set("If-Modified-Since", info.ModTime().UTC().Format(http.TimeFormat))
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return false, fmt.Errorf("fetch %s: stat %s: %w", url, dest, statErr)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Fall through to the download.
	case http.StatusNotModified:
		return false, nil
	default:
		return false, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".partial-*")
	if err != nil {
		return false, fmt.Errorf("fetch %s: %w", url, err)
	}

	tmpName := tmp.Name()

	removeTmp := func() {
		_ = os.Remove(tmpName)
	}

	_, err = io.Copy(tmp, resp.Body)

	closeErr := tmp.Close()

	if err != nil {
		removeTmp()

		return false, &FetchError{URL: url, Err: err}
	}

	if closeErr != nil {
		removeTmp()

		return false, fmt.Errorf("fetch %s: %w", url, closeErr)
	}

	if lastModified := resp.Header.Get("Last-Modified"); lastModified != "" {
		if mtime, parseErr := time.Parse(http.TimeFormat, lastModified); parseErr == nil {
			_ = os.Chtimes(tmpName, time.Time{}, mtime)
		}
	}

	err = os.Rename(tmpName, dest)
	if err != nil {
		removeTmp()

		return false, fmt.Errorf("fetch %s: %w", url, err)
	}

	return true, nil
}
