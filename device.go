package xferdisk

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/xferdisk/pkg/ovirt"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// Device is a remote disk opened for upload. Its methods must be called by
// one goroutine at a time.
type Device struct {
	log  hclog.Logger
	cfg  *Config
	sess *Session
	tc   *TransferClient
	sink DiskIDSink

	readOnly bool

	gotOptions bool
	canZero    bool
	canTrim    bool
	canFlush   bool

	failed       bool
	highestWrite int64
	closed       bool
}

// Open creates the disk and a transfer for it and returns a device ready
// for I/O. Open takes ownership of mgr: it is closed with the device, or
// before Open returns an error. If Open fails after the disk was created,
// the disk is removed.
func Open(ctx context.Context, log hclog.Logger, cfg *Config, mgr Manager, readOnly bool, options ...Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		mgr.Close()
		return nil, err
	}

	o := opts{
		timeouts: DefaultTimeouts,
		events:   nopPublisher{},
	}

	for _, opt := range options {
		opt(&o)
	}

	if o.sessionID == (ulid.ULID{}) {
		o.sessionID = ulid.Make()
	}

	var err error

	if o.sink == nil {
		o.sink, err = NewDiskIDSink(ctx, log, cfg.DiskIDPath, cfg.S3)
		if err != nil {
			mgr.Close()
			return nil, err
		}
	}

	if o.tlsCfg == nil {
		o.tlsCfg, err = ovirt.TLSConfig(cfg.Engine.CAFile, cfg.Engine.Insecure)
		if err != nil {
			mgr.Close()
			return nil, &ConfigError{Field: "engine.ca_file", Reason: err.Error()}
		}
	}

	s := newSession(log, cfg, mgr, &o)

	tc, err := s.open(ctx, cfg.Direct, func(endpoint string, needsAuth bool) (*TransferClient, error) {
		return NewTransferClient(s.log, endpoint, s.transfer.SignedTicket, needsAuth, o.tlsCfg)
	})
	if err != nil {
		if cerr := s.Cleanup(ctx, err); cerr != nil {
			s.log.Error("disk may be left behind", "disk", s.disk.ID, "error", cerr)
		}

		s.Close()

		return nil, err
	}

	d := &Device{
		log:      log.Named("device").With("session", s.id.String()),
		cfg:      cfg,
		sess:     s,
		tc:       tc,
		sink:     o.sink,
		readOnly: readOnly,
	}

	d.log.Info("device ready",
		"disk", s.disk.ID, "transfer", s.transfer.ID,
		"path", tc.Path(), "direct", cfg.Direct, "size", cfg.Disk.Size)

	return d, nil
}

func (s *Session) open(ctx context.Context, direct bool, dial func(string, bool) (*TransferClient, error)) (*TransferClient, error) {
	if err := s.CreateDisk(ctx); err != nil {
		return nil, err
	}

	if err := s.WaitDiskUnlocked(ctx); err != nil {
		return nil, err
	}

	if err := s.CreateTransfer(ctx); err != nil {
		return nil, err
	}

	if err := s.WaitTransferReady(ctx); err != nil {
		return nil, err
	}

	endpoint, needsAuth, err := s.ResolveEndpoint(direct)
	if err != nil {
		return nil, err
	}

	return dial(endpoint, needsAuth)
}

func (d *Device) Session() *Session {
	return d.sess
}

// Size is the declared size of the disk, not a size queried from the
// engine.
func (d *Device) Size() int64 {
	return d.cfg.Disk.Size
}

func (d *Device) Failed() bool {
	return d.failed
}

// Fail marks the device failed without any I/O error, so Close removes
// the disk instead of finalizing it.
func (d *Device) Fail() {
	d.failed = true
}

func (d *Device) HighestWrite() int64 {
	return d.highestWrite
}

func (d *Device) check(write bool) error {
	if d.closed {
		return ErrClosed
	}

	if write && d.readOnly {
		return ErrReadOnly
	}

	return nil
}

// fail records an I/O failure: the device is marked failed, so close will
// remove the disk, and the engine is told the transfer is paused.
func (d *Device) fail(ctx context.Context, err error) error {
	d.failed = true

	d.log.Error("transfer I/O failed", "error", err)

	d.sess.Pause(ctx)

	return err
}

func (d *Device) PRead(ctx context.Context, buf []byte, off int64) error {
	if err := d.check(false); err != nil {
		return err
	}

	if len(buf) == 0 {
		return nil
	}

	if err := d.tc.Read(ctx, buf, off); err != nil {
		return d.fail(ctx, err)
	}

	return nil
}

func (d *Device) PWrite(ctx context.Context, buf []byte, off int64) error {
	if err := d.check(true); err != nil {
		return err
	}

	if len(buf) == 0 {
		return nil
	}

	d.highestWrite = max(d.highestWrite, off+int64(len(buf)))

	if err := d.tc.Write(ctx, buf, off); err != nil {
		return d.fail(ctx, err)
	}

	return nil
}

// Zero zeroes count bytes at off. Callers can't ask whether zeroing is
// supported, so it is always accepted and emulated when the endpoint lacks
// it. mayTrim is accepted for interface parity and ignored: the endpoint
// decides how zeroed ranges are stored.
func (d *Device) Zero(ctx context.Context, count, off int64, mayTrim bool) error {
	if err := d.check(true); err != nil {
		return err
	}

	if count == 0 {
		return nil
	}

	if err := d.negotiate(ctx); err != nil {
		return err
	}

	if !d.canZero {
		return d.emulateZero(ctx, count, off)
	}

	if err := d.tc.Zero(ctx, off, count); err != nil {
		return d.fail(ctx, err)
	}

	bytesZeroed.WithLabelValues("native").Add(float64(count))

	return nil
}

// emulateZero handles zero requests on endpoints without native zeroing.
// Conversion tools start by zeroing the whole device. The disk was just
// created and reads back as zeroes, so any range ending below the highest
// write so far is dropped. Ranges reaching the highest write or beyond are
// written out as explicit zeroes.
func (d *Device) emulateZero(ctx context.Context, count, off int64) error {
	if off+count < d.highestWrite {
		d.log.Trace("skipping zero below highest write", "offset", off, "size", count, "highest", d.highestWrite)
		bytesZeroed.WithLabelValues("skipped").Add(float64(count))
		return nil
	}

	if err := d.tc.WriteZeroes(ctx, off, count); err != nil {
		return d.fail(ctx, err)
	}

	bytesZeroed.WithLabelValues("emulated").Add(float64(count))

	return nil
}

// Trim always goes to the endpoint; callers are expected to consult
// CanTrim first.
func (d *Device) Trim(ctx context.Context, count, off int64) error {
	if err := d.check(true); err != nil {
		return err
	}

	if count == 0 {
		return nil
	}

	if err := d.tc.Trim(ctx, off, count); err != nil {
		return d.fail(ctx, err)
	}

	return nil
}

func (d *Device) Flush(ctx context.Context) error {
	if err := d.check(false); err != nil {
		return err
	}

	if err := d.tc.Flush(ctx); err != nil {
		return d.fail(ctx, err)
	}

	return nil
}

// Close ends the session exactly once. A device that saw an I/O failure
// has its disk removed without attempting finalize. Otherwise the transfer
// is finalized and the disk id published; if any of that fails the disk is
// removed and the finalize error returned.
func (d *Device) Close(ctx context.Context) error {
	if d.closed {
		return ErrClosed
	}

	defer func() {
		d.closed = true
	}()

	if d.failed {
		d.tc.Close()

		err := d.sess.Cleanup(ctx, errors.New("device failed during I/O"))
		d.sess.Close()

		return err
	}

	err := d.finalize(ctx)
	if err != nil {
		if cerr := d.sess.Cleanup(ctx, err); cerr != nil {
			d.log.Error("disk may be left behind", "disk", d.sess.disk.ID, "error", cerr)
		}

		d.sess.Close()

		return err
	}

	d.sess.Complete()

	d.log.Info("transfer finalized", "disk", d.sess.disk.ID, "highest-write", d.highestWrite)

	return d.sess.Close()
}

func (d *Device) finalize(ctx context.Context) error {
	if d.canFlush {
		if err := d.tc.Flush(ctx); err != nil {
			return d.fail(ctx, err)
		}
	}

	d.tc.Close()

	if err := d.sess.Finalize(ctx); err != nil {
		return err
	}

	return d.sink.WriteDiskID(ctx, d.sess.disk.ID)
}
