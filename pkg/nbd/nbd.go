package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var (
	ErrInvalidMagic     = errors.New("invalid magic")
	ErrInvalidBlocksize = errors.New("invalid blocksize")
)

const (
	defaultMaximumRequestSize = 32 * 1024 * 1024 // Support for a 32M maximum packet size is expected: https://sourceforge.net/p/nbd/mailman/message/35081223/
)

type Export struct {
	Name        string
	Description string

	Backend Backend
}

type Options struct {
	ReadOnly bool

	MinimumBlockSize   uint32
	PreferredBlockSize uint32
	MaximumBlockSize   uint32

	MaximumRequestSize int
}

func (o *Options) setDefaults() {
	if o.MinimumBlockSize == 0 {
		o.MinimumBlockSize = 1
	}

	if o.PreferredBlockSize == 0 {
		o.PreferredBlockSize = 4096
	}

	if o.MaximumBlockSize == 0 {
		o.MaximumBlockSize = defaultMaximumRequestSize
	}

	if o.MaximumRequestSize == 0 {
		o.MaximumRequestSize = defaultMaximumRequestSize
	}
}

// Handle serves export to the client on conn until the client disconnects.
// Backend failures are reported to the client as EIO and do not end the
// connection; only protocol errors and connection errors do.
func Handle(log hclog.Logger, conn net.Conn, export *Export, options *Options) error {
	if options == nil {
		options = &Options{}
	}

	options.setDefaults()

	ok, err := negotiate(log, conn, export, options)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	return transmit(log, conn, export.Backend, options)
}

func writeOptionReply(conn io.Writer, id, typ uint32, payload []byte) error {
	if err := binary.Write(conn, binary.BigEndian, NegotiationReplyHeader{
		ReplyMagic: NEGOTIATION_MAGIC_REPLY,
		ID:         id,
		Type:       typ,
		Length:     uint32(len(payload)),
	}); err != nil {
		return err
	}

	if len(payload) == 0 {
		return nil
	}

	_, err := conn.Write(payload)
	return err
}

func writeInfo(conn io.Writer, id uint32, parts ...any) error {
	info := &bytes.Buffer{}

	for _, p := range parts {
		if err := binary.Write(info, binary.BigEndian, p); err != nil {
			return err
		}
	}

	return writeOptionReply(conn, id, NEGOTIATION_TYPE_REPLY_INFO, info.Bytes())
}

func transmissionFlags(backend Backend, options *Options) (uint16, error) {
	flags := NEGOTIATION_REPLY_FLAGS_HAS_FLAGS | NEGO_FLAG_SEND_WRITE_ZEROES

	canTrim, canFlush := true, true

	if f, ok := backend.(Features); ok {
		var err error

		canTrim, err = f.CanTrim()
		if err != nil {
			return 0, errors.Wrapf(err, "checking trim support")
		}

		canFlush, err = f.CanFlush()
		if err != nil {
			return 0, errors.Wrapf(err, "checking flush support")
		}
	}

	if canTrim {
		flags |= NEGO_FLAG_SEND_TRIM
	}

	if canFlush {
		flags |= NEGO_FLAG_SEND_FLUSH
	}

	if options.ReadOnly {
		flags |= NEGO_FLAG_READONLY
	}

	return flags, nil
}

// negotiate runs the fixed newstyle handshake. It returns false when the
// client aborted instead of entering transmission.
func negotiate(log hclog.Logger, conn net.Conn, export *Export, options *Options) (bool, error) {
	if err := binary.Write(conn, binary.BigEndian, NegotiationNewstyleHeader{
		OldstyleMagic:  NEGOTIATION_MAGIC_OLDSTYLE,
		OptionMagic:    NEGOTIATION_MAGIC_OPTION,
		HandshakeFlags: NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE,
	}); err != nil {
		return false, errors.Wrapf(err, "unable to negation newstyle header")
	}

	var clientFlags uint32

	err := binary.Read(conn, binary.BigEndian, &clientFlags)
	if err != nil {
		return false, err
	}

	log.Trace("client flags", "value", clientFlags)

	var flags uint16

	for {
		var optionHeader NegotiationOptionHeader
		if err := binary.Read(conn, binary.BigEndian, &optionHeader); err != nil {
			return false, errors.Wrapf(err, "reading negation option")
		}

		if optionHeader.OptionMagic != NEGOTIATION_MAGIC_OPTION {
			return false, ErrInvalidMagic
		}

		log.Trace("negotiation option", "id", optionHeader.ID, "len", optionHeader.Length)

		switch optionHeader.ID {
		case NEGOTIATION_ID_OPTION_INFO, NEGOTIATION_ID_OPTION_GO:
			var exportNameLength uint32
			if err := binary.Read(conn, binary.BigEndian, &exportNameLength); err != nil {
				return false, err
			}

			exportName := make([]byte, exportNameLength)
			if _, err := io.ReadFull(conn, exportName); err != nil {
				return false, err
			}

			// Discard information requests (uint16s)
			if length := int64(optionHeader.Length) - 4 - int64(exportNameLength); length > 0 {
				if _, err := io.CopyN(io.Discard, conn, length); err != nil {
					return false, err
				}
			}

			// An empty name selects the default export.
			if len(exportName) > 0 && string(exportName) != export.Name {
				log.Error("no export found", "name", string(exportName))

				if err := writeOptionReply(conn, optionHeader.ID, NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN, nil); err != nil {
					return false, err
				}

				continue
			}

			size, err := export.Backend.Size()
			if err != nil {
				return false, err
			}

			if flags == 0 {
				flags, err = transmissionFlags(export.Backend, options)
				if err != nil {
					return false, err
				}
			}

			log.Debug("reporting export", "size", size, "flags", flags)

			if err := writeInfo(conn, optionHeader.ID, NegotiationReplyInfo{
				Type:              NEGOTIATION_TYPE_INFO_EXPORT,
				Size:              uint64(size),
				TransmissionFlags: flags,
			}); err != nil {
				return false, err
			}

			if err := writeInfo(conn, optionHeader.ID, NegotiationReplyNameHeader{
				Type: NEGOTIATION_TYPE_INFO_NAME,
			}, []byte(export.Name)); err != nil {
				return false, err
			}

			if err := writeInfo(conn, optionHeader.ID, NegotiationReplyDescriptionHeader{
				Type: NEGOTIATION_TYPE_INFO_DESCRIPTION,
			}, []byte(export.Description)); err != nil {
				return false, err
			}

			if err := writeInfo(conn, optionHeader.ID, NegotiationReplyBlockSize{
				Type:               NEGOTIATION_TYPE_INFO_BLOCKSIZE,
				MinimumBlockSize:   options.MinimumBlockSize,
				PreferredBlockSize: options.PreferredBlockSize,
				MaximumBlockSize:   options.MaximumBlockSize,
			}); err != nil {
				return false, err
			}

			if err := writeOptionReply(conn, optionHeader.ID, NEGOTIATION_TYPE_REPLY_ACK, nil); err != nil {
				return false, err
			}

			if optionHeader.ID == NEGOTIATION_ID_OPTION_GO {
				log.Debug("entering transmission mode")
				return true, nil
			}
		case NEGOTIATION_ID_OPTION_ABORT:
			if _, err := io.CopyN(io.Discard, conn, int64(optionHeader.Length)); err != nil {
				return false, err
			}

			return false, writeOptionReply(conn, optionHeader.ID, NEGOTIATION_TYPE_REPLY_ACK, nil)
		case NEGOTIATION_ID_OPTION_LIST:
			if _, err := io.CopyN(io.Discard, conn, int64(optionHeader.Length)); err != nil {
				return false, err
			}

			info := &bytes.Buffer{}
			binary.Write(info, binary.BigEndian, uint32(len(export.Name)))
			info.WriteString(export.Name)

			if err := writeOptionReply(conn, optionHeader.ID, NEGOTIATION_TYPE_REPLY_SERVER, info.Bytes()); err != nil {
				return false, err
			}

			if err := writeOptionReply(conn, optionHeader.ID, NEGOTIATION_TYPE_REPLY_ACK, nil); err != nil {
				return false, err
			}
		default:
			// Discard the unknown option's data
			if _, err := io.CopyN(io.Discard, conn, int64(optionHeader.Length)); err != nil {
				return false, err
			}

			if err := writeOptionReply(conn, optionHeader.ID, NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED, nil); err != nil {
				return false, err
			}
		}
	}
}

func writeReply(conn io.Writer, handle uint64, code uint32) error {
	return binary.Write(conn, binary.BigEndian, TransmissionReplyHeader{
		ReplyMagic: TRANSMISSION_MAGIC_REPLY,
		Error:      code,
		Handle:     handle,
	})
}

func errorCode(log hclog.Logger, op string, req *TransmissionRequestHeader, err error) uint32 {
	if err == nil {
		return 0
	}

	log.Error("backend error", "op", op, "offset", req.Offset, "length", req.Length, "error", err)

	return TRANSMISSION_ERROR_EIO
}

func transmit(log hclog.Logger, conn net.Conn, backend Backend, options *Options) error {
	b := []byte{}

	for {
		var req TransmissionRequestHeader

		if err := binary.Read(conn, binary.BigEndian, &req); err != nil {
			return err
		}

		if req.RequestMagic != TRANSMISSION_MAGIC_REQUEST {
			return ErrInvalidMagic
		}

		length := req.Length

		switch req.Type {
		case TRANSMISSION_TYPE_REQUEST_READ, TRANSMISSION_TYPE_REQUEST_WRITE:
			if length > uint32(options.MaximumRequestSize) {
				return ErrInvalidBlocksize
			}

			if length > uint32(len(b)) {
				b = make([]byte, length)
			}
		}

		switch req.Type {
		case TRANSMISSION_TYPE_REQUEST_READ:
			_, err := backend.ReadAt(b[:length], int64(req.Offset))

			code := errorCode(log, "read", &req, err)

			if err := writeReply(conn, req.Handle, code); err != nil {
				return err
			}

			if code != 0 {
				break
			}

			if _, err := conn.Write(b[:length]); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_WRITE:
			if _, err := io.ReadFull(conn, b[:length]); err != nil {
				return err
			}

			if options.ReadOnly {
				if err := writeReply(conn, req.Handle, TRANSMISSION_ERROR_EPERM); err != nil {
					return err
				}

				break
			}

			_, err := backend.WriteAt(b[:length], int64(req.Offset))

			if err := writeReply(conn, req.Handle, errorCode(log, "write", &req, err)); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_WRITEZ:
			if options.ReadOnly {
				if err := writeReply(conn, req.Handle, TRANSMISSION_ERROR_EPERM); err != nil {
					return err
				}

				break
			}

			err := backend.ZeroAt(int64(req.Offset), int64(length))

			if err := writeReply(conn, req.Handle, errorCode(log, "write-zeroes", &req, err)); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_TRIM:
			if options.ReadOnly {
				if err := writeReply(conn, req.Handle, TRANSMISSION_ERROR_EPERM); err != nil {
					return err
				}

				break
			}

			err := backend.Trim(int64(req.Offset), int64(length))

			if err := writeReply(conn, req.Handle, errorCode(log, "trim", &req, err)); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_FLUSH:
			var err error

			if !options.ReadOnly {
				err = backend.Sync()
			}

			if err := writeReply(conn, req.Handle, errorCode(log, "flush", &req, err)); err != nil {
				return err
			}
		case TRANSMISSION_TYPE_REQUEST_DISC:
			log.Debug("client disconnected")
			return nil
		default:
			if err := writeReply(conn, req.Handle, TRANSMISSION_ERROR_EINVAL); err != nil {
				return err
			}
		}
	}
}
