package xferdisk

import (
	"crypto/tls"

	"github.com/oklog/ulid/v2"
)

type opts struct {
	timeouts  Timeouts
	events    EventPublisher
	journal   *Journal
	sink      DiskIDSink
	sessionID ulid.ULID
	tlsCfg    *tls.Config
}

type Option func(o *opts)

// WithTimeouts overrides the polling deadlines and intervals. Fields left
// zero keep their default.
func WithTimeouts(t Timeouts) Option {
	return func(o *opts) {
		o.timeouts = t.withDefaults()
	}
}

func WithEventPublisher(p EventPublisher) Option {
	return func(o *opts) {
		o.events = p
	}
}

// WithJournal records the created disk in j until the session ends.
func WithJournal(j *Journal) Option {
	return func(o *opts) {
		o.journal = j
	}
}

// WithDiskIDSink overrides where the disk id goes, which otherwise is
// derived from the configuration's disk_id_path.
func WithDiskIDSink(s DiskIDSink) Option {
	return func(o *opts) {
		o.sink = s
	}
}

func WithSessionID(id ulid.ULID) Option {
	return func(o *opts) {
		o.sessionID = id
	}
}

// WithTransferTLS overrides the TLS configuration used against the transfer
// endpoint.
func WithTransferTLS(cfg *tls.Config) Option {
	return func(o *opts) {
		o.tlsCfg = cfg
	}
}
