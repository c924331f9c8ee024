package xferdisk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
)

// NATSPublisher sends session events and periodic transfer stats to NATS.
type NATSPublisher struct {
	log  hclog.Logger
	id   string
	conn *nats.Conn
}

var _ EventPublisher = &NATSPublisher{}

func NewNATSPublisher(log hclog.Logger, url, id string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("xferdisk-"+id))
	if err != nil {
		return nil, err
	}

	return &NATSPublisher{
		log:  log.Named("nats"),
		id:   id,
		conn: conn,
	}, nil
}

func (n *NATSPublisher) Start(ctx context.Context) {
	go n.startPeriodic(ctx, 30*time.Second)
}

func (n *NATSPublisher) startPeriodic(ctx context.Context, dur time.Duration) {
	ticker := time.NewTicker(dur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := n.publishStats()
			if err != nil {
				n.log.Error("error publishing periodic stats", "error", err)
			}
		}
	}
}

func (n *NATSPublisher) subj(which string) string {
	return fmt.Sprintf("xferdisk.session.%s.%s", n.id, which)
}

type StatsMessage struct {
	Session      string    `json:"session"`
	PublishTime  time.Time `json:"published_at"`
	BytesRead    int64     `json:"bytes_read"`
	BytesWritten int64     `json:"bytes_written"`
	BytesZeroed  int64     `json:"bytes_zeroed"`
}

func (n *NATSPublisher) publishStats() error {
	zeroed := counterValue(bytesZeroed.WithLabelValues("native")) +
		counterValue(bytesZeroed.WithLabelValues("emulated"))

	data, err := json.Marshal(&StatsMessage{
		Session:      n.id,
		PublishTime:  time.Now(),
		BytesRead:    int64(counterValue(bytesRead)),
		BytesWritten: int64(counterValue(bytesWritten)),
		BytesZeroed:  int64(zeroed),
	})
	if err != nil {
		return err
	}

	return n.conn.Publish(n.subj("stats"), data)
}

func (n *NATSPublisher) Publish(ev *Event) error {
	data, err := cbor.Marshal(ev)
	if err != nil {
		return err
	}

	return n.conn.Publish(n.subj(string(ev.Kind)), data)
}

// Close flushes pending events before closing the connection.
func (n *NATSPublisher) Close() error {
	err := n.conn.Flush()
	n.conn.Close()
	return err
}
