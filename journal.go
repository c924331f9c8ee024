package xferdisk

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/lab47/xferdisk/pkg/ovirt"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var sessionsBucket = []byte("sessions")

// JournalEntry records a disk created by a session that has not yet been
// finalized or removed.
type JournalEntry struct {
	Session   string    `cbor:"1,keyasint"`
	DiskID    string    `cbor:"2,keyasint"`
	DiskName  string    `cbor:"3,keyasint"`
	CreatedAt time.Time `cbor:"4,keyasint"`
}

// Journal persists created disks so that disks left behind by a crashed
// process can be found and removed later.
type Journal struct {
	log hclog.Logger
	db  *bbolt.DB
}

func OpenJournal(log hclog.Logger, path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening journal %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{log: log.Named("journal"), db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Record(ent *JournalEntry) error {
	data, err := cbor.Marshal(ent)
	if err != nil {
		return err
	}

	j.log.Trace("recording disk", "session", ent.Session, "disk", ent.DiskID)

	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(ent.Session), data)
	})
}

// Resolve drops the entry for session. Resolving an unknown session is not
// an error.
func (j *Journal) Resolve(session string) error {
	j.log.Trace("resolving session", "session", session)

	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(session))
	})
}

func (j *Journal) Pending() ([]*JournalEntry, error) {
	var entries []*JournalEntry

	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			var ent JournalEntry
			if err := cbor.Unmarshal(v, &ent); err != nil {
				return errors.Wrapf(err, "decoding journal entry %s", k)
			}

			entries = append(entries, &ent)
			return nil
		})
	})

	return entries, err
}

// RemovePending removes the disks of the given journal entries and
// resolves each entry whose disk is gone. Disks already removed on the
// engine count as removed. It keeps going past failures and returns the
// entries it resolved along with every error seen.
func RemovePending(ctx context.Context, log hclog.Logger, j *Journal, mgr Manager, pending []*JournalEntry) ([]*JournalEntry, error) {
	var (
		removed []*JournalEntry
		result  error
	)

	for _, ent := range pending {
		log.Info("removing disk left behind", "session", ent.Session, "disk", ent.DiskID, "created", ent.CreatedAt)

		err := mgr.RemoveDisk(ctx, ent.DiskID)
		if err != nil && !ovirt.IsNotFound(err) {
			result = multierror.Append(result, &RemoteAPIError{Op: "remove disk " + ent.DiskID, Err: err})
			continue
		}

		if err := j.Resolve(ent.Session); err != nil {
			result = multierror.Append(result, err)
			continue
		}

		removed = append(removed, ent)
	}

	return removed, result
}
