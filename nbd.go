package xferdisk

import (
	"context"
	"crypto/sha256"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/mode"
	"github.com/lab47/xferdisk/pkg/nbd"
	"github.com/mr-tron/base58"
)

type nbdWrapper struct {
	log hclog.Logger
	ctx context.Context
	d   *Device
}

var (
	_ nbd.Backend  = &nbdWrapper{}
	_ nbd.Features = &nbdWrapper{}
)

// NBDWrapper exposes d to an NBD client. Requests run under ctx.
func NBDWrapper(ctx context.Context, log hclog.Logger, d *Device) nbd.Backend {
	return &nbdWrapper{log: log.Named("nbd"), ctx: ctx, d: d}
}

func rangeSum(b []byte) string {
	if IsZero(b) {
		return "0"
	}

	x := sha256.Sum256(b)
	return base58.Encode(x[:])
}

func (n *nbdWrapper) ReadAt(b []byte, off int64) (int, error) {
	n.log.Trace("nbd read-at", "size", len(b), "offset", off)

	if err := n.d.PRead(n.ctx, b, off); err != nil {
		n.log.Error("nbd read-at error", "error", err, "offset", off)
		return 0, err
	}

	if mode.Debug() {
		n.log.Trace("read range sum", "offset", off, "sum", rangeSum(b))
	}

	return len(b), nil
}

func (n *nbdWrapper) WriteAt(b []byte, off int64) (int, error) {
	n.log.Trace("nbd write-at", "size", len(b), "offset", off)

	if mode.Debug() {
		n.log.Trace("write range sum", "offset", off, "sum", rangeSum(b))
	}

	if err := n.d.PWrite(n.ctx, b, off); err != nil {
		n.log.Error("nbd write-at error", "error", err, "offset", off)
		return 0, err
	}

	return len(b), nil
}

func (n *nbdWrapper) ZeroAt(off, size int64) error {
	n.log.Trace("nbd zero-at", "size", size, "offset", off)

	err := n.d.Zero(n.ctx, size, off, false)
	if err != nil {
		n.log.Error("nbd zero-at error", "error", err, "offset", off)
		return err
	}

	return nil
}

func (n *nbdWrapper) Trim(off, size int64) error {
	n.log.Trace("nbd trim", "size", size, "offset", off)

	err := n.d.Trim(n.ctx, size, off)
	if err != nil {
		n.log.Error("nbd trim error", "error", err, "offset", off)
		return err
	}

	return nil
}

func (n *nbdWrapper) Size() (int64, error) {
	sz := n.d.Size()

	n.log.Info("reporting size to nbd", "size", sz)
	return sz, nil
}

func (n *nbdWrapper) Sync() error {
	n.log.Trace("nbd sync")

	ok, err := n.d.CanFlush(n.ctx)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	return n.d.Flush(n.ctx)
}

func (n *nbdWrapper) CanTrim() (bool, error) {
	return n.d.CanTrim(n.ctx)
}

func (n *nbdWrapper) CanFlush() (bool, error) {
	return n.d.CanFlush(n.ctx)
}
