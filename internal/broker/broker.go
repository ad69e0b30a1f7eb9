// Package broker implements the two HTTP-facing meta-broker clients: the
// coordinator-to-broker surface (host address discovery, failure voting) and
// the proxy-control-to-broker surface (proxy failover, migration commit),
// built on a small shared HTTP client.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamware/shardkv/internal/migration"
)

// ErrInvalidReply is returned when the broker responds with a status code
// that is neither a success nor one of the documented idempotent
// exceptions.
var ErrInvalidReply = errors.New("broker: invalid reply")

// Host identifies a backend or proxy address the broker hands back, e.g.
// as the result of replace_proxy.
type Host struct {
	Addr string `json:"addr"`
}

// MetaDataBroker is the coordinator-facing read surface: discovering proxy
// addresses and voting on failures.
type MetaDataBroker interface {
	// GetHostAddresses returns the current set of proxy addresses known to
	// the broker. Errors here are lifted by the caller (internal/coordfail)
	// into sequence-level errors, never terminating the retriever itself.
	GetHostAddresses(ctx context.Context) ([]string, error)
	// AddFailure posts a failure vote for addr from reporterID.
	AddFailure(ctx context.Context, addr, reporterID string) error
}

// MetaManipulationBroker is the proxy-control surface:
// requesting a proxy failover and committing a finished migration task.
type MetaManipulationBroker interface {
	ReplaceProxy(ctx context.Context, addr string) (Host, error)
	CommitMigration(ctx context.Context, meta migration.Task) error
}

// httpClient is shared across both broker clients, with a bounded timeout
// so a wedged broker cannot hang a caller's task indefinitely.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// HTTPMetaDataBroker is the concrete MetaDataBroker implementation.
type HTTPMetaDataBroker struct {
	BaseURL string
}

// NewHTTPMetaDataBroker returns a broker client rooted at baseURL (e.g.
// "http://broker:6699").
func NewHTTPMetaDataBroker(baseURL string) *HTTPMetaDataBroker {
	return &HTTPMetaDataBroker{BaseURL: baseURL}
}

type hostAddressesResponse struct {
	Addresses []string `json:"addresses"`
}

// GetHostAddresses issues GET /api/proxies/addresses.
func (b *HTTPMetaDataBroker) GetHostAddresses(ctx context.Context) ([]string, error) {
	var out hostAddressesResponse
	if err := httpJSON(ctx, http.MethodGet, b.BaseURL+"/api/proxies/addresses", nil, &out); err != nil {
		return nil, err
	}
	return out.Addresses, nil
}

type addFailureRequest struct {
	Addr       string `json:"addr"`
	ReporterID string `json:"reporter_id"`
}

// AddFailure issues POST /api/proxies/failures.
func (b *HTTPMetaDataBroker) AddFailure(ctx context.Context, addr, reporterID string) error {
	return httpJSON(ctx, http.MethodPost, b.BaseURL+"/api/proxies/failures", addFailureRequest{Addr: addr, ReporterID: reporterID}, nil)
}

// HTTPMetaManipulationBroker is the concrete MetaManipulationBroker
// implementation.
type HTTPMetaManipulationBroker struct {
	BaseURL string
}

// NewHTTPMetaManipulationBroker returns a broker client rooted at baseURL.
func NewHTTPMetaManipulationBroker(baseURL string) *HTTPMetaManipulationBroker {
	return &HTTPMetaManipulationBroker{BaseURL: baseURL}
}

// ReplaceProxy issues POST /api/proxies/failover/{addr}; 2xx decodes a Host,
// every other status is ErrInvalidReply.
func (b *HTTPMetaManipulationBroker) ReplaceProxy(ctx context.Context, addr string) (Host, error) {
	url := fmt.Sprintf("%s/api/proxies/failover/%s", b.BaseURL, addr)
	var host Host
	if err := httpJSON(ctx, http.MethodPost, url, nil, &host); err != nil {
		return Host{}, err
	}
	return host, nil
}

// CommitMigration issues PUT /api/clusters/migrations. 2xx or 404 both map
// to success: a 404 means the broker has already reconciled this task under
// a prior commit attempt, so the caller may retry commits freely.
func (b *HTTPMetaManipulationBroker) CommitMigration(ctx context.Context, meta migration.Task) error {
	err := httpJSON(ctx, http.MethodPut, b.BaseURL+"/api/clusters/migrations", meta, nil)
	if err != nil && isStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// statusError carries the HTTP status code alongside the wrapped
// ErrInvalidReply sentinel, so callers like CommitMigration can special-case
// one status without string-matching the error text.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func isStatus(err error, status int) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == status
}

// httpJSON is the single request/response cycle every broker method in this
// file runs: marshal body (if any), send method against url, reject any
// non-2xx status as ErrInvalidReply, decode into out (if any). Reused across
// both the data-broker and the manipulation-broker surfaces so a status-code
// convention only needs stating once.
func httpJSON(ctx context.Context, method, url string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidReply, err)
		}
		reader = bytes.NewReader(encoded)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, http.NoBody)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("%w: status %d", ErrInvalidReply, resp.StatusCode)
		return &statusError{status: resp.StatusCode, err: statusErr}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	return nil
}
