package xferdisk

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestTransferClient(t *testing.T) {
	ctx := context.Background()

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "transfertest",
		Level: hclog.Trace,
	})

	setup := func(t *testing.T, needsAuth bool) (*imageio, *TransferClient) {
		img := &imageio{features: []string{"zero", "flush"}}

		srv := httptest.NewTLSServer(img)
		t.Cleanup(srv.Close)

		tlsCfg := srv.Client().Transport.(*http.Transport).TLSClientConfig

		tc, err := NewTransferClient(log, srv.URL+"/images/abc", "tkt", needsAuth, tlsCfg)
		require.NoError(t, err)

		t.Cleanup(tc.Close)

		return img, tc
	}

	t.Run("parses the feature list", func(t *testing.T) {
		r := require.New(t)

		img, tc := setup(t, false)

		f, err := tc.Options(ctx)
		r.NoError(err)
		r.NotNil(f)

		r.True(f.Has("zero"))
		r.True(f.Has("flush"))
		r.False(f.Has("trim"))

		r.Equal("tkt", img.last(http.MethodOptions).Auth)
		r.Equal("/images/abc", img.last(http.MethodOptions).Path)
	})

	t.Run("treats 405 and 204 as legacy", func(t *testing.T) {
		r := require.New(t)

		for _, code := range []int{http.StatusMethodNotAllowed, http.StatusNoContent} {
			img, tc := setup(t, true)
			img.optionsStatus = code

			f, err := tc.Options(ctx)
			r.NoError(err)
			r.Nil(f)
		}
	})

	t.Run("reports other answers as protocol errors", func(t *testing.T) {
		r := require.New(t)

		img, tc := setup(t, true)
		img.optionsStatus = http.StatusUnauthorized

		_, err := tc.Options(ctx)

		var pe *ProtocolError
		r.ErrorAs(err, &pe)
		r.Equal(http.StatusUnauthorized, pe.Status)
		r.Contains(pe.Error(), "could not use OPTIONS request: 401")
	})

	t.Run("writes with a content range and no flush", func(t *testing.T) {
		r := require.New(t)

		img, tc := setup(t, true)

		r.NoError(tc.Write(ctx, []byte("abcdef"), 10))

		put := img.last(http.MethodPut)
		r.Equal("flush=n", put.Query)
		r.Equal("bytes 10-15/*", put.ContentRange)
		r.Equal("tkt", put.Auth)
		r.Equal("abcdef", string(put.Body))

		buf := make([]byte, 6)
		r.NoError(tc.Read(ctx, buf, 10))
		r.Equal("abcdef", string(buf))
		r.Equal("bytes=10-15", img.last(http.MethodGet).Range)
	})

	t.Run("streams zeroes in one request", func(t *testing.T) {
		r := require.New(t)

		img, tc := setup(t, false)

		count := int64(3*zeroChunkSize + 100)

		r.NoError(tc.WriteZeroes(ctx, 512, count))

		r.Equal(1, img.count(http.MethodPut))

		put := img.last(http.MethodPut)
		r.Len(put.Body, int(count))
		r.Equal(make([]byte, count), put.Body)
		r.Empty(put.Auth)
	})

	t.Run("sends zero and flush as patches", func(t *testing.T) {
		r := require.New(t)

		img, tc := setup(t, true)

		r.NoError(tc.Zero(ctx, 0, 4096))
		r.JSONEq(`{"op":"zero","offset":0,"size":4096,"flush":false}`,
			string(img.last(http.MethodPatch).Body))
		r.Empty(img.last(http.MethodPatch).Auth)

		r.NoError(tc.Flush(ctx))
		r.JSONEq(`{"op":"flush"}`, string(img.last(http.MethodPatch).Body))
		r.Empty(img.last(http.MethodPatch).Auth)
	})

	t.Run("never retries a failed request", func(t *testing.T) {
		r := require.New(t)

		img, tc := setup(t, false)
		img.putStatus = http.StatusServiceUnavailable
		img.patchStatus = http.StatusServiceUnavailable

		var ioe *IOError
		r.ErrorAs(tc.Write(ctx, []byte("abc"), 0), &ioe)
		r.Equal(http.StatusServiceUnavailable, ioe.Status)
		r.Equal(1, img.count(http.MethodPut))

		r.ErrorAs(tc.WriteZeroes(ctx, 0, 4096), &ioe)
		r.Equal(2, img.count(http.MethodPut))

		r.ErrorAs(tc.Flush(ctx), &ioe)
		r.Equal(1, img.count(http.MethodPatch))
	})

	t.Run("fails reads that aren't partial content", func(t *testing.T) {
		r := require.New(t)

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			io.WriteString(w, "whole thing")
		}))
		defer srv.Close()

		tc, err := NewTransferClient(log, srv.URL+"/images/abc", "tkt", false, nil)
		r.NoError(err)

		err = tc.Read(ctx, make([]byte, 4), 0)

		var ioe *IOError
		r.ErrorAs(err, &ioe)
		r.Equal("read sector", ioe.Op)
		r.Equal(http.StatusOK, ioe.Status)
	})

	t.Run("reports the failed operation", func(t *testing.T) {
		r := require.New(t)

		img, tc := setup(t, false)
		img.putStatus = http.StatusInternalServerError

		err := tc.Write(ctx, []byte("x"), 7)

		var ioe *IOError
		r.ErrorAs(err, &ioe)
		r.Equal("write sector", ioe.Op)
		r.Equal(int64(7), ioe.Offset)
		r.Equal(int64(1), ioe.Count)
		r.Equal("could not write sector (7, 1): 500: Internal Server Error", ioe.Error())
	})
}
