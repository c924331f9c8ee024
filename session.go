package xferdisk

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/xferdisk/pkg/ovirt"
	"github.com/oklog/ulid/v2"
)

// Manager is the subset of the management API a session needs.
// *ovirt.Client implements it.
type Manager interface {
	AddDisk(ctx context.Context, disk *ovirt.Disk) (*ovirt.Disk, error)
	GetDisk(ctx context.Context, id string) (*ovirt.Disk, error)
	RemoveDisk(ctx context.Context, id string) error

	AddImageTransfer(ctx context.Context, it *ovirt.ImageTransfer) (*ovirt.ImageTransfer, error)
	GetImageTransfer(ctx context.Context, id string) (*ovirt.ImageTransfer, error)
	PauseImageTransfer(ctx context.Context, id string) error
	FinalizeImageTransfer(ctx context.Context, id string) error

	Close() error
}

var _ Manager = &ovirt.Client{}

// Session drives the remote side of one upload: the disk, the transfer
// bound to it, and their teardown.
type Session struct {
	log      hclog.Logger
	cfg      *Config
	mgr      Manager
	id       ulid.ULID
	timeouts Timeouts
	events   EventPublisher
	journal  *Journal

	disk     *ovirt.Disk
	transfer *ovirt.ImageTransfer

	cleaned bool
}

func newSession(log hclog.Logger, cfg *Config, mgr Manager, o *opts) *Session {
	return &Session{
		log:      log.Named("session").With("session", o.sessionID.String()),
		cfg:      cfg,
		mgr:      mgr,
		id:       o.sessionID,
		timeouts: o.timeouts,
		events:   o.events,
		journal:  o.journal,
	}
}

func (s *Session) ID() ulid.ULID {
	return s.id
}

func (s *Session) Disk() *ovirt.Disk {
	return s.disk
}

func (s *Session) Transfer() *ovirt.ImageTransfer {
	return s.transfer
}

func (s *Session) publish(kind EventKind, cause error) {
	ev := &Event{
		Session: s.id.String(),
		Kind:    kind,
		Time:    time.Now(),
	}

	if s.disk != nil {
		ev.DiskID = s.disk.ID
	}

	if s.transfer != nil {
		ev.TransferID = s.transfer.ID
	}

	if cause != nil {
		ev.Error = cause.Error()
	}

	if err := s.events.Publish(ev); err != nil {
		s.log.Warn("error publishing event", "kind", kind, "error", err)
	}
}

// CreateDisk asks the engine for a new disk sized and named per the
// configuration. Disks are always created non-sparse regardless of
// disk.sparse: whether a sparse disk is valid depends on the format and the
// storage domain type, which this tool does not inspect.
func (s *Session) CreateDisk(ctx context.Context) error {
	format, err := s.cfg.DiskFormat()
	if err != nil {
		return err
	}

	if s.cfg.Disk.Sparse {
		s.log.Debug("ignoring sparse setting, disk is created preallocated")
	}

	disk, err := s.mgr.AddDisk(ctx, &ovirt.Disk{
		Name:            s.cfg.Disk.Name,
		Description:     s.cfg.DiskDescription(),
		Format:          format,
		InitialSize:     s.cfg.Disk.Size,
		ProvisionedSize: s.cfg.Disk.Size,
		Sparse:          false,
		StorageDomains: &ovirt.StorageDomains{
			StorageDomain: []ovirt.StorageDomain{{Name: s.cfg.Disk.StorageDomain}},
		},
	})
	if err != nil {
		return &RemoteAPIError{Op: "create disk", Err: err}
	}

	s.disk = disk

	s.log.Info("created disk", "disk", disk.ID, "name", s.cfg.Disk.Name, "size", s.cfg.Disk.Size)

	if s.journal != nil {
		err = s.journal.Record(&JournalEntry{
			Session:   s.id.String(),
			DiskID:    disk.ID,
			DiskName:  s.cfg.Disk.Name,
			CreatedAt: time.Now(),
		})
		if err != nil {
			return err
		}
	}

	s.publish(EventDiskCreated, nil)

	return nil
}

// WaitDiskUnlocked polls the disk until the engine reports it OK. A
// transfer can't be started against a locked disk.
func (s *Session) WaitDiskUnlocked(ctx context.Context) error {
	start := time.Now()

	err := waitFor(ctx, "disk to become unlocked", s.timeouts.DiskPoll, s.timeouts.DiskUnlock, func() (bool, error) {
		disk, err := s.mgr.GetDisk(ctx, s.disk.ID)
		if err != nil {
			return false, &RemoteAPIError{Op: "get disk", Err: err}
		}

		s.log.Trace("polled disk", "status", disk.Status)

		s.disk.Status = disk.Status

		return disk.Status == ovirt.DiskStatusOK, nil
	})
	if err != nil {
		return err
	}

	s.log.Debug("disk unlocked", "disk", s.disk.ID, "elapsed", time.Since(start))

	return nil
}

func (s *Session) CreateTransfer(ctx context.Context) error {
	it, err := s.mgr.AddImageTransfer(ctx, &ovirt.ImageTransfer{
		Direction: "upload",
		Image:     &ovirt.Image{ID: s.disk.ID},
	})
	if err != nil {
		return &RemoteAPIError{Op: "create transfer", Err: err}
	}

	s.transfer = it

	s.log.Info("created image transfer", "transfer", it.ID, "phase", it.Phase)

	return nil
}

// WaitTransferReady polls until the transfer leaves the initializing
// phase. A phase that means the engine abandoned the transfer is an error
// rather than readiness.
func (s *Session) WaitTransferReady(ctx context.Context) error {
	err := waitFor(ctx, "transfer to leave initializing", s.timeouts.TransferPoll, s.timeouts.TransferReady, func() (bool, error) {
		it, err := s.mgr.GetImageTransfer(ctx, s.transfer.ID)
		if err != nil {
			return false, &RemoteAPIError{Op: "get transfer", Err: err}
		}

		s.log.Trace("polled transfer", "phase", it.Phase)

		s.transfer = it

		if it.Phase.Failed() {
			return false, &RemoteAPIError{
				Op:  "wait for transfer",
				Err: fmt.Errorf("transfer entered phase %s", it.Phase),
			}
		}

		return it.Phase != ovirt.PhaseInitializing, nil
	})
	if err != nil {
		return err
	}

	s.publish(EventTransferReady, nil)

	return nil
}

// ResolveEndpoint picks the URL bytes are sent to. Proxied endpoints of
// older imageio versions want the ticket on every request, so needsAuth
// starts out true for them.
func (s *Session) ResolveEndpoint(preferDirect bool) (string, bool, error) {
	if preferDirect {
		if s.transfer.TransferURL == "" {
			return "", false, &UnsupportedOperationError{
				Op: "direct upload",
				Reason: "the engine returned no transfer URL; " +
					"it requires a host-side imageio and running within the environment",
			}
		}

		return s.transfer.TransferURL, false, nil
	}

	if s.transfer.ProxyURL == "" {
		return "", false, &RemoteAPIError{
			Op:  "resolve transfer endpoint",
			Err: fmt.Errorf("transfer %s has no proxy URL", s.transfer.ID),
		}
	}

	return s.transfer.ProxyURL, true, nil
}

// Pause tells the engine the client stopped sending data. It is best
// effort: failures are only logged.
func (s *Session) Pause(ctx context.Context) {
	if s.transfer == nil {
		return
	}

	err := s.mgr.PauseImageTransfer(context.WithoutCancel(ctx), s.transfer.ID)
	if err != nil {
		s.log.Warn("error pausing transfer", "transfer", s.transfer.ID, "error", err)
	}
}

// Finalize commits the transfer and waits for the transfer object to be
// removed, which is when the disk is unlocked and usable.
func (s *Session) Finalize(ctx context.Context) error {
	err := s.mgr.FinalizeImageTransfer(ctx, s.transfer.ID)
	if err != nil {
		return &RemoteAPIError{Op: "finalize transfer", Err: err}
	}

	return waitFor(ctx, "transfer to finalize", s.timeouts.FinalizePoll, s.timeouts.Finalize, func() (bool, error) {
		it, err := s.mgr.GetImageTransfer(ctx, s.transfer.ID)
		if err != nil {
			if ovirt.IsNotFound(err) {
				return true, nil
			}

			return false, &RemoteAPIError{Op: "get transfer", Err: err}
		}

		s.log.Trace("waiting for transfer to go away", "phase", it.Phase)

		if it.Phase == ovirt.PhaseFinishedFailure {
			return false, &RemoteAPIError{
				Op:  "finalize transfer",
				Err: fmt.Errorf("transfer finished with phase %s", it.Phase),
			}
		}

		return false, nil
	})
}

// Complete marks the session as successfully finished.
func (s *Session) Complete() {
	if s.journal != nil {
		if err := s.journal.Resolve(s.id.String()); err != nil {
			s.log.Warn("error resolving journal entry", "error", err)
		}
	}

	sessions.WithLabelValues("finalized").Inc()

	s.publish(EventFinalized, nil)
}

// Cleanup removes the disk created by this session. It runs at most once
// and ignores cancellation of ctx, so a cancelled caller still gets its
// disk removed.
func (s *Session) Cleanup(ctx context.Context, cause error) error {
	if s.cleaned || s.disk == nil {
		return nil
	}

	s.cleaned = true

	s.log.Warn("removing disk after failure", "disk", s.disk.ID, "cause", cause)

	s.publish(EventFailed, cause)

	err := s.mgr.RemoveDisk(context.WithoutCancel(ctx), s.disk.ID)
	if err != nil {
		s.log.Error("error removing disk", "disk", s.disk.ID, "error", err)
		return &RemoteAPIError{Op: "remove disk", Err: err}
	}

	if s.journal != nil {
		if err := s.journal.Resolve(s.id.String()); err != nil {
			s.log.Warn("error resolving journal entry", "error", err)
		}
	}

	sessions.WithLabelValues("cleaned").Inc()

	s.publish(EventCleaned, nil)

	return nil
}

func (s *Session) Close() error {
	return s.mgr.Close()
}
