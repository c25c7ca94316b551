package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"valve-controller/application"

	"github.com/rs/zerolog"
)

const maxErrorBody = 512

type HTTPFetcherParams struct {
	Client    *http.Client
	UserAgent string

	Log zerolog.Logger
}

// HTTPFetcher downloads firmware images. The overall deadline comes from ctx.
type HTTPFetcher struct {
	params HTTPFetcherParams
	log    zerolog.Logger
}

func NewHTTPFetcher(params HTTPFetcherParams) *HTTPFetcher {
	if params.Client == nil {
		params.Client = &http.Client{}
	}
	return &HTTPFetcher{params: params, log: params.Log}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, dst io.Writer) (int64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	if f.params.UserAgent != "" {
		request.Header.Set("User-Agent", f.params.UserAgent)
	}

	response, err := f.params.Client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return 0, fmt.Errorf("fetch %s: HTTP %d: %s", url, response.StatusCode, strings.TrimSpace(string(body)))
	}

	f.log.Info().Str("url", url).Int64("content_length", response.ContentLength).Msg("downloading firmware")

	n, err := io.Copy(dst, response.Body)
	if err != nil {
		return n, fmt.Errorf("fetch %s: %w", url, err)
	}
	if response.ContentLength >= 0 && n != response.ContentLength {
		return n, fmt.Errorf("fetch %s: short body: %d of %d bytes", url, n, response.ContentLength)
	}
	return n, nil
}

var _ application.FirmwareFetcher = &HTTPFetcher{}
