package ovirt

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

type ConnectOptions struct {
	// URL of the API root, eg. https://engine.example.com/ovirt-engine/api.
	// Any userinfo in the URL is ignored, use Username.
	URL      string
	Username string
	Password string
	CAFile   string
	Insecure bool

	Log hclog.Logger
}

// Client talks to the engine's REST API. Reads and deletes are retried on
// transient failures, creates and actions are sent exactly once so that a
// disk or transfer is never created twice.
type Client struct {
	log  hclog.Logger
	base *url.URL

	retrying *retryablehttp.Client
	once     *retryablehttp.Client

	token string
}

// TLSConfig builds the client TLS configuration used against both the
// engine and the imageio endpoints.
func TLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: insecure,
	}

	if caFile == "" || insecure {
		return cfg, nil
	}

	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Wrapf(err, "reading CA file")
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}

	cfg.RootCAs = pool

	return cfg, nil
}

func Connect(ctx context.Context, opts ConnectOptions) (*Client, error) {
	log := opts.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}

	log = log.Named("ovirt")

	base, err := url.Parse(opts.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing engine url")
	}

	base.User = nil
	base.Path = strings.TrimSuffix(base.Path, "/")

	tlsCfg, err := TLSConfig(opts.CAFile, opts.Insecure)
	if err != nil {
		return nil, err
	}

	hc := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsCfg,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	c := &Client{
		log:      log,
		base:     base,
		retrying: newRetryClient(log, hc, 3),
		once:     newRetryClient(log, hc, 0),
	}

	err = c.login(ctx, opts.Username, opts.Password)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func newRetryClient(log hclog.Logger, hc *http.Client, max int) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = hc
	rc.Logger = log
	rc.RetryMax = max
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return rc
}

func (c *Client) ssoURL() string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/api") + "/sso/oauth/token"
	return u.String()
}

func (c *Client) login(ctx context.Context, username, password string) error {
	form := url.Values{
		"grant_type": {"password"},
		"scope":      {"ovirt-app-api"},
		"username":   {username},
		"password":   {password},
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.ssoURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}

	req = req.WithContext(ctx)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.once.Do(req)
	if err != nil {
		return errors.Wrapf(err, "requesting SSO token")
	}

	defer resp.Body.Close()

	var tr tokenResponse

	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return errors.Wrapf(err, "decoding SSO response (HTTP %d)", resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		return &Fault{Status: resp.StatusCode, Reason: tr.Error, Detail: tr.ErrorDescription}
	}

	c.token = tr.AccessToken

	c.log.Debug("authenticated against engine", "url", c.base.String(), "user", username)

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader

	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}

		body = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequest(method, c.base.String()+path, body)
	if err != nil {
		return err
	}

	req = req.WithContext(ctx)

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Version", "4")

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rc := c.once
	if method == http.MethodGet || method == http.MethodDelete {
		rc = c.retrying
	}

	c.log.Trace("engine request", "method", method, "path", path)

	resp, err := rc.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return unwrapFault(resp)
	}

	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) AddDisk(ctx context.Context, disk *Disk) (*Disk, error) {
	var out Disk

	if err := c.do(ctx, http.MethodPost, "/disks", disk, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) GetDisk(ctx context.Context, id string) (*Disk, error) {
	var out Disk

	if err := c.do(ctx, http.MethodGet, "/disks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) RemoveDisk(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/disks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AddImageTransfer(ctx context.Context, it *ImageTransfer) (*ImageTransfer, error) {
	var out ImageTransfer

	if err := c.do(ctx, http.MethodPost, "/imagetransfers", it, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) GetImageTransfer(ctx context.Context, id string) (*ImageTransfer, error) {
	var out ImageTransfer

	if err := c.do(ctx, http.MethodGet, "/imagetransfers/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) PauseImageTransfer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/imagetransfers/"+url.PathEscape(id)+"/pause", action{}, nil)
}

func (c *Client) FinalizeImageTransfer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/imagetransfers/"+url.PathEscape(id)+"/finalize", action{}, nil)
}

func (c *Client) Close() error {
	c.once.HTTPClient.CloseIdleConnections()
	c.token = ""
	return nil
}
