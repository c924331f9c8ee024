package xferdisk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/xferdisk/pkg/ovirt"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestJournal(t *testing.T) {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "journaltest",
		Level: hclog.Trace,
	})

	ctx := context.Background()

	t.Run("keeps entries across reopen until resolved", func(t *testing.T) {
		r := require.New(t)

		path := filepath.Join(t.TempDir(), "journal.db")

		j, err := OpenJournal(log, path)
		r.NoError(err)

		now := time.Now().Truncate(time.Second)

		r.NoError(j.Record(&JournalEntry{Session: "s1", DiskID: "d1", DiskName: "one", CreatedAt: now}))
		r.NoError(j.Record(&JournalEntry{Session: "s2", DiskID: "d2", DiskName: "two", CreatedAt: now}))

		r.NoError(j.Close())

		j, err = OpenJournal(log, path)
		r.NoError(err)

		defer j.Close()

		pending, err := j.Pending()
		r.NoError(err)
		r.Len(pending, 2)
		r.Equal("d1", pending[0].DiskID)
		r.Equal("one", pending[0].DiskName)
		r.True(now.Equal(pending[0].CreatedAt))

		r.NoError(j.Resolve("s1"))
		r.NoError(j.Resolve("unknown"))

		pending, err = j.Pending()
		r.NoError(err)
		r.Len(pending, 1)
		r.Equal("s2", pending[0].Session)
	})

	t.Run("records sessions until they finish", func(t *testing.T) {
		r := require.New(t)

		j, err := OpenJournal(log, filepath.Join(t.TempDir(), "journal.db"))
		r.NoError(err)

		defer j.Close()

		env := newTestEnv(t, 4096)

		d, err := env.open(ctx, false, WithJournal(j))
		r.NoError(err)

		pending, err := j.Pending()
		r.NoError(err)
		r.Len(pending, 1)
		r.Equal("disk-1", pending[0].DiskID)
		r.Equal(d.Session().ID().String(), pending[0].Session)

		r.NoError(d.Close(ctx))

		pending, err = j.Pending()
		r.NoError(err)
		r.Empty(pending)
	})

	t.Run("keeps the entry when removal fails", func(t *testing.T) {
		r := require.New(t)

		j, err := OpenJournal(log, filepath.Join(t.TempDir(), "journal.db"))
		r.NoError(err)

		defer j.Close()

		env := newTestEnv(t, 4096)
		env.mgr.readyPhase = ovirt.PhaseCancelledUser
		env.mgr.removeErr = errors.New("engine unreachable")

		_, err = env.open(ctx, false, WithJournal(j))
		r.Error(err)

		pending, err := j.Pending()
		r.NoError(err)
		r.Len(pending, 1)
	})

	t.Run("removes disks left behind", func(t *testing.T) {
		r := require.New(t)

		j, err := OpenJournal(log, filepath.Join(t.TempDir(), "journal.db"))
		r.NoError(err)

		defer j.Close()

		mgr := newFakeManager("", "")
		mgr.disks["d1"] = &ovirt.Disk{ID: "d1"}

		r.NoError(j.Record(&JournalEntry{Session: "s1", DiskID: "d1"}))
		r.NoError(j.Record(&JournalEntry{Session: "s2", DiskID: "gone"}))

		pending, err := j.Pending()
		r.NoError(err)

		removed, err := RemovePending(ctx, log, j, mgr, pending)
		r.NoError(err)
		r.Len(removed, 2)

		r.Empty(mgr.disks)

		pending, err = j.Pending()
		r.NoError(err)
		r.Empty(pending)
	})

	t.Run("collects removal failures", func(t *testing.T) {
		r := require.New(t)

		j, err := OpenJournal(log, filepath.Join(t.TempDir(), "journal.db"))
		r.NoError(err)

		defer j.Close()

		mgr := newFakeManager("", "")
		mgr.removeErr = errors.New("engine unreachable")

		r.NoError(j.Record(&JournalEntry{Session: "s1", DiskID: "d1"}))
		r.NoError(j.Record(&JournalEntry{Session: "s2", DiskID: "d2"}))

		pending, err := j.Pending()
		r.NoError(err)

		removed, err := RemovePending(ctx, log, j, mgr, pending)
		r.Error(err)
		r.Empty(removed)
		r.Equal(2, mgr.removes)

		var re *RemoteAPIError
		r.ErrorAs(err, &re)

		pending, err = j.Pending()
		r.NoError(err)
		r.Len(pending, 2)
	})
}
