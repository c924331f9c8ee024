package xferdisk

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// Size of the buffer zeroes are streamed from when a zero request has to
// be emulated with a write.
const zeroChunkSize = 128 * 1024

var zeroChunk = make([]byte, zeroChunkSize)

// Features is the body of a successful OPTIONS response.
type Features struct {
	Features []string `json:"features"`
}

func (f *Features) Has(name string) bool {
	for _, x := range f.Features {
		if x == name {
			return true
		}
	}

	return false
}

type patchRange struct {
	Op     string `json:"op"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Flush  bool   `json:"flush"`
}

type patchFlush struct {
	Op string `json:"op"`
}

// TransferClient issues imageio requests for one transfer over a single
// keep-alive connection. It holds no state beyond the connection, the
// ticket and whether the ticket must accompany each request. Requests are
// sent exactly once: a data request that failed part way can't be replayed.
type TransferClient struct {
	log hclog.Logger

	transport *http.Transport
	rc        *retryablehttp.Client

	url    *url.URL
	ticket string

	needsAuth bool
}

func NewTransferClient(log hclog.Logger, endpoint, ticket string, needsAuth bool, tlsCfg *tls.Config) (*TransferClient, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing transfer url")
	}

	tr := &http.Transport{
		TLSClientConfig:     tlsCfg,
		MaxConnsPerHost:     1,
		MaxIdleConnsPerHost: 1,
		DisableCompression:  true,
	}

	log = log.Named("transfer")

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: tr}
	rc.Logger = log
	rc.RetryMax = 0
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &TransferClient{
		log:       log,
		transport: tr,
		rc:        rc,
		url:       u,
		ticket:    ticket,
		needsAuth: needsAuth,
	}, nil
}

func (t *TransferClient) Path() string {
	return t.url.Path
}

func (t *TransferClient) NeedsAuth() bool {
	return t.needsAuth
}

// newRequest builds a request for the transfer path. body is anything
// retryablehttp accepts; a ReaderFunc is read once without buffering.
func (t *TransferClient) newRequest(ctx context.Context, method, query string, body any) (*retryablehttp.Request, error) {
	u := *t.url
	u.RawQuery = query

	req, err := retryablehttp.NewRequest(method, u.String(), body)
	if err != nil {
		return nil, err
	}

	return req.WithContext(ctx), nil
}

func (t *TransferClient) do(op string, req *retryablehttp.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.rc.Do(req)

	requestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		requests.WithLabelValues(op, "error").Inc()
		return nil, err
	}

	requests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	t.log.Trace("transfer request", "op", op, "method", req.Method, "status", resp.StatusCode)

	return resp, nil
}

// finish drains the body so the connection can be reused.
func finish(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func statusError(op string, offset, count int64, resp *http.Response) *IOError {
	return &IOError{
		Op:     op,
		Offset: offset,
		Count:  count,
		Status: resp.StatusCode,
		Reason: http.StatusText(resp.StatusCode),
	}
}

func (t *TransferClient) authorize(req *retryablehttp.Request) {
	if t.needsAuth {
		req.Header.Set("Authorization", t.ticket)
	}
}

// Options probes the endpoint. A nil Features with a nil error means the
// endpoint is a legacy one that answered 405 or 204.
func (t *TransferClient) Options(ctx context.Context) (*Features, error) {
	req, err := t.newRequest(ctx, http.MethodOptions, "", nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", t.ticket)

	resp, err := t.do("options", req)
	if err != nil {
		return nil, errors.Wrapf(err, "sending OPTIONS request")
	}

	defer finish(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		var f Features
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
			return nil, &ProtocolError{Status: resp.StatusCode, Reason: "invalid features document: " + err.Error()}
		}

		return &f, nil
	case http.StatusMethodNotAllowed, http.StatusNoContent:
		return nil, nil
	default:
		return nil, &ProtocolError{Status: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	}
}

func (t *TransferClient) Read(ctx context.Context, buf []byte, offset int64) error {
	count := int64(len(buf))

	req, err := t.newRequest(ctx, http.MethodGet, "", nil)
	if err != nil {
		return err
	}

	t.authorize(req)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+count-1))

	resp, err := t.do("read", req)
	if err != nil {
		return &IOError{Op: "read sector", Offset: offset, Count: count, Err: err}
	}

	defer finish(resp)

	if resp.StatusCode != http.StatusPartialContent {
		return statusError("read sector", offset, count, resp)
	}

	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return &IOError{Op: "read sector", Offset: offset, Count: count, Status: resp.StatusCode, Err: err}
	}

	bytesRead.Add(float64(count))

	return nil
}

func (t *TransferClient) put(ctx context.Context, op string, body any, offset, count int64) error {
	req, err := t.newRequest(ctx, http.MethodPut, "flush=n", body)
	if err != nil {
		return err
	}

	t.authorize(req)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", offset, offset+count-1))
	req.ContentLength = count

	resp, err := t.do(op, req)
	if err != nil {
		return &IOError{Op: op, Offset: offset, Count: count, Err: err}
	}

	defer finish(resp)

	if resp.StatusCode != http.StatusOK {
		return statusError(op, offset, count, resp)
	}

	return nil
}

func (t *TransferClient) Write(ctx context.Context, buf []byte, offset int64) error {
	count := int64(len(buf))

	if err := t.put(ctx, "write sector", buf, offset, count); err != nil {
		return err
	}

	bytesWritten.Add(float64(count))

	return nil
}

// WriteZeroes writes count explicit zero bytes at offset, streaming them
// from a fixed 128 KiB buffer.
func (t *TransferClient) WriteZeroes(ctx context.Context, offset, count int64) error {
	body := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		return &zeroReader{left: count}, nil
	})

	return t.put(ctx, "write zeroes", body, offset, count)
}

// patch sends a JSON operation. Only endpoints that answered OPTIONS with
// features get patches, and those never need the ticket.
func (t *TransferClient) patch(ctx context.Context, op string, body any, offset, count int64) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := t.newRequest(ctx, http.MethodPatch, "", data)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.do(op, req)
	if err != nil {
		return &IOError{Op: op, Offset: offset, Count: count, Err: err}
	}

	defer finish(resp)

	if resp.StatusCode != http.StatusOK {
		return statusError(op, offset, count, resp)
	}

	return nil
}

func (t *TransferClient) Zero(ctx context.Context, offset, count int64) error {
	return t.patch(ctx, "zero sector", &patchRange{Op: "zero", Offset: offset, Size: count}, offset, count)
}

func (t *TransferClient) Trim(ctx context.Context, offset, count int64) error {
	return t.patch(ctx, "trim sector", &patchRange{Op: "trim", Offset: offset, Size: count}, offset, count)
}

func (t *TransferClient) Flush(ctx context.Context) error {
	return t.patch(ctx, "flush", &patchFlush{Op: "flush"}, 0, 0)
}

func (t *TransferClient) Close() {
	t.transport.CloseIdleConnections()
}

type zeroReader struct {
	left int64
}

func (z *zeroReader) Read(b []byte) (int, error) {
	if z.left == 0 {
		return 0, io.EOF
	}

	n := min(int64(len(b)), int64(zeroChunkSize), z.left)
	copy(b, zeroChunk[:n])
	z.left -= n

	return int(n), nil
}
