package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/lab47/cleo"
	"github.com/lab47/xferdisk"
	"github.com/lab47/xferdisk/pkg/nbd"
	"github.com/lab47/xferdisk/pkg/ovirt"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/mitchellh/cli"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
)

type CLI struct {
	log hclog.Logger

	lc *cli.CLI
}

type Global struct {
	Config string `short:"c" long:"config" description:"session configuration" required:"true"`
	Debug  bool   `short:"D" long:"debug" description:"enable debug mode"`
}

func NewCLI(log hclog.Logger, args []string) (*CLI, error) {
	c := &CLI{
		log: log,
		lc:  cli.NewCLI("xferdisk", "alpha"),
	}

	c.lc.Args = args

	err := c.setupCommands()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *CLI) Run() (int, error) {
	return c.lc.Run()
}

func (c *CLI) setupCommands() error {
	c.lc.Commands = map[string]cli.CommandFactory{
		"serve": func() (cli.Command, error) {
			return cleo.Infer("serve", "create a disk and serve it over nbd", c.serve), nil
		},
		"upload": func() (cli.Command, error) {
			return cleo.Infer("upload", "create a disk from a local image", c.upload), nil
		},
		"cleanup": func() (cli.Command, error) {
			return cleo.Infer("cleanup", "remove disks left behind by interrupted sessions", c.cleanup), nil
		},
	}

	return nil
}

// closeTimeout bounds finalize or cleanup after the caller's context was
// cancelled by a signal.
const closeTimeout = 10 * time.Minute

func (c *CLI) logger(g Global) hclog.Logger {
	if g.Debug {
		c.log.SetLevel(hclog.Trace)
	}

	return c.log
}

func (c *CLI) connect(ctx context.Context, cfg *xferdisk.Config) (*ovirt.Client, error) {
	username, password, err := cfg.Credentials()
	if err != nil {
		return nil, err
	}

	mgr, err := ovirt.Connect(ctx, ovirt.ConnectOptions{
		URL:      cfg.Engine.URL,
		Username: username,
		Password: password,
		CAFile:   cfg.Engine.CAFile,
		Insecure: cfg.Engine.Insecure,
		Log:      c.log,
	})
	if err != nil {
		return nil, &xferdisk.RemoteAPIError{Op: "connect", Err: err}
	}

	return mgr, nil
}

// session prepares everything Open needs from the configuration. The
// returned function releases the journal and event publisher.
func (c *CLI) session(ctx context.Context, cfg *xferdisk.Config) (*ovirt.Client, []xferdisk.Option, func(), error) {
	id := ulid.Make()

	opts := []xferdisk.Option{xferdisk.WithSessionID(id)}

	var closers []func() error

	done := func() {
		for _, f := range closers {
			f()
		}
	}

	if cfg.JournalPath != "" {
		j, err := xferdisk.OpenJournal(c.log, cfg.JournalPath)
		if err != nil {
			return nil, nil, nil, err
		}

		closers = append(closers, j.Close)
		opts = append(opts, xferdisk.WithJournal(j))
	}

	if cfg.NATS != nil {
		pub, err := xferdisk.NewNATSPublisher(c.log, cfg.NATS.URL, id.String())
		if err != nil {
			done()
			return nil, nil, nil, errors.Wrapf(err, "connecting to nats")
		}

		pub.Start(ctx)

		closers = append(closers, pub.Close)
		opts = append(opts, xferdisk.WithEventPublisher(pub))
	}

	mgr, err := c.connect(ctx, cfg)
	if err != nil {
		done()
		return nil, nil, nil, err
	}

	return mgr, opts, done, nil
}

func closeDevice(log hclog.Logger, d *xferdisk.Device) error {
	log.Info("closing device", "timeout", closeTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	return d.Close(ctx)
}

func (c *CLI) serve(ctx context.Context, opts struct {
	Global
	Addr        string `short:"a" long:"addr" default:":10809" description:"address to listen on"`
	ReadOnly    bool   `long:"readonly" description:"reject writes from the client"`
	MetricsAddr string `long:"metrics" description:"address to expose metrics on"`
}) error {
	log := c.logger(opts.Global)

	cfg, err := xferdisk.LoadConfig(opts.Config)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer cancel()

	l, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", opts.Addr)
	}

	defer l.Close()

	mgr, sopts, done, err := c.session(ctx, cfg)
	if err != nil {
		return err
	}

	defer done()

	d, err := xferdisk.Open(ctx, log, cfg, mgr, opts.ReadOnly, sopts...)
	if err != nil {
		return err
	}

	if opts.MetricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go http.ListenAndServe(opts.MetricsAddr, nil)
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	log.Info("listening for connections", "addr", opts.Addr)

	conn, err := l.Accept()
	if err != nil {
		log.Warn("stopped before a client connected", "error", err)

		// An interrupted session has nothing worth keeping.
		d.Fail()

		return closeDevice(log, d)
	}

	log.Info("connection to nbd server", "remote", conn.RemoteAddr().String())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	export := &nbd.Export{
		Name:        cfg.Disk.Name,
		Description: cfg.DiskDescription(),
		Backend:     xferdisk.NBDWrapper(ctx, log, d),
	}

	err = nbd.Handle(log, conn, export, &nbd.Options{
		ReadOnly: opts.ReadOnly,
	})
	conn.Close()

	if err != nil {
		log.Error("error handling nbd client", "error", err)
		d.Fail()
	}

	if err := closeDevice(log, d); err != nil {
		return err
	}

	if err == nil && !d.Failed() {
		color.Green("disk %s uploaded", d.Session().Disk().ID)
	}

	return err
}

// openImage returns the image contents and their virtual size. With
// expand, qcow2 images are read through their mapping; otherwise the file
// is taken as raw.
func openImage(log hclog.Logger, path string, expand bool) (io.ReaderAt, int64, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, err
	}

	if expand {
		img, err := qcow2reader.Open(f)
		if err != nil {
			f.Close()
			return nil, 0, nil, errors.Wrapf(err, "opening qcow2 image")
		}

		log.Info("detected file as qcow2 format")

		return img, img.Size(), f, nil
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}

	log.Info("detected file as raw format")

	return f, fi.Size(), f, nil
}

func (c *CLI) upload(ctx context.Context, opts struct {
	Global
	Input  string `short:"i" long:"input" description:"image to upload" required:"true"`
	Expand bool   `long:"expand" description:"expand compressed files (like qcow2)"`
	BS     string `long:"bs" default:"2MiB" description:"size of each write request"`
}) error {
	log := c.logger(opts.Global)

	cfg, err := xferdisk.LoadConfig(opts.Config)
	if err != nil {
		return err
	}

	bs, err := units.RAMInBytes(opts.BS)
	if err != nil {
		return errors.Wrapf(err, "parsing block size")
	}

	if bs <= 0 {
		return fmt.Errorf("block size must be positive")
	}

	img, size, closer, err := openImage(log, opts.Input, opts.Expand)
	if err != nil {
		return err
	}

	defer closer.Close()

	if cfg.Disk.Size == 0 {
		cfg.Disk.Size = size
	}

	if size > cfg.Disk.Size {
		return fmt.Errorf("image is %s, larger than the disk size %s",
			units.BytesSize(float64(size)), units.BytesSize(float64(cfg.Disk.Size)))
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer cancel()

	mgr, sopts, done, err := c.session(ctx, cfg)
	if err != nil {
		return err
	}

	defer done()

	d, err := xferdisk.Open(ctx, log, cfg, mgr, false, sopts...)
	if err != nil {
		return err
	}

	start := time.Now()

	written, err := copyImage(ctx, d, img, size, bs)
	if err != nil {
		log.Error("error copying image", "error", err)
		d.Fail()
		closeDevice(log, d)
		return err
	}

	if err := closeDevice(log, d); err != nil {
		return err
	}

	log.Info("image uploaded",
		"size", units.BytesSize(float64(size)),
		"written", units.BytesSize(float64(written)),
		"elapsed", time.Since(start))

	color.Green("disk %s uploaded", d.Session().Disk().ID)

	return nil
}

// copyImage writes the non-zero chunks of img to d. The disk is freshly
// created, so chunks that are all zero are left alone.
func copyImage(ctx context.Context, d *xferdisk.Device, img io.ReaderAt, size, bs int64) (int64, error) {
	buf := make([]byte, bs)

	var written int64

	for off := int64(0); off < size; off += bs {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		chunk := buf[:min(bs, size-off)]

		n, err := img.ReadAt(chunk, off)
		if err != nil && !(errors.Is(err, io.EOF) && n == len(chunk)) {
			return written, errors.Wrapf(err, "reading image at %d", off)
		}

		if xferdisk.IsZero(chunk) {
			continue
		}

		if err := d.PWrite(ctx, chunk, off); err != nil {
			return written, err
		}

		written += int64(len(chunk))
	}

	ok, err := d.CanFlush(ctx)
	if err != nil {
		return written, err
	}

	if ok {
		if err := d.Flush(ctx); err != nil {
			return written, err
		}
	}

	return written, nil
}

func (c *CLI) cleanup(ctx context.Context, opts struct {
	Global
}) error {
	log := c.logger(opts.Global)

	cfg, err := xferdisk.LoadConfig(opts.Config)
	if err != nil {
		return err
	}

	if cfg.JournalPath == "" {
		return &xferdisk.ConfigError{Field: "journal_path", Reason: "must be set"}
	}

	j, err := xferdisk.OpenJournal(log, cfg.JournalPath)
	if err != nil {
		return err
	}

	defer j.Close()

	pending, err := j.Pending()
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		fmt.Println("no disks left behind")
		return nil
	}

	mgr, err := c.connect(ctx, cfg)
	if err != nil {
		return err
	}

	defer mgr.Close()

	removed, err := xferdisk.RemovePending(ctx, log, j, mgr, pending)

	for _, ent := range removed {
		color.Green("removed disk %s (%s) from session %s", ent.DiskID, ent.DiskName, ent.Session)
	}

	return err
}
