package dfupkg

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
)

// Number of times a failed download is retried. Client errors (4xx) are not
// retried.
const downloadRetries = 3

// HTTPStatusError is returned when the package server answers with anything
// other than 200 OK.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("download %s: %s", e.URL, e.Status)
}

// IsURL reports whether src names a package to download rather than a local
// file.
func IsURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// Fetch reads the whole package into memory, either from a local file or
// from an http(s) URL. A nil client means http.DefaultClient.
func Fetch(ctx context.Context, src string, client *http.Client) ([]byte, error) {
	if src == "" {
		return nil, fmt.Errorf("no file name specified")
	}
	if IsURL(src) {
		return download(ctx, src, client)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("could not read input file: %w", err)
	}
	return data, nil
}

func download(ctx context.Context, url string, client *http.Client) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}

	var data []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := &HTTPStatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		data, err = io.ReadAll(resp.Body)
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), downloadRetries), ctx)
	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		glog.Warningf("Download of %s failed, retrying in %s: %v", url, next.Round(time.Millisecond), err)
	})
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("Downloaded %s (%d bytes)", url, len(data))
	return data, nil
}
