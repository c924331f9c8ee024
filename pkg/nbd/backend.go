package nbd

import "io"

type Backend interface {
	io.ReaderAt
	io.WriterAt

	ZeroAt(off, sz int64) error
	Trim(off, sz int64) error

	Size() (int64, error)
	Sync() error
}

// Features is implemented by backends that can only sometimes trim or
// flush. Backends without it get both advertised. An error aborts the
// handshake.
type Features interface {
	CanTrim() (bool, error)
	CanFlush() (bool, error)
}
