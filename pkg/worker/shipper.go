package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsim/fleetsim/pkg/cloud"
	"github.com/fleetsim/fleetsim/pkg/ipc"
	"github.com/fleetsim/fleetsim/pkg/protocol"
	"github.com/fleetsim/fleetsim/pkg/telemetry"
)

// DefaultShipBatch caps how many records one upload carries.
const DefaultShipBatch = 500

// ShipperOptions configures a Shipper.
type ShipperOptions struct {
	// Interval is how often buffered logs are uploaded.
	Interval time.Duration

	// Batch caps records per upload. Zero means DefaultShipBatch.
	Batch int

	// Metrics may be nil.
	Metrics *telemetry.Metrics
}

// Shipper is the log subsystem: it buffers log_entry messages from the
// control socket into SQLite and periodically drains the buffer to the
// control plane. Records are deleted only after a successful upload, so
// a dead control plane costs disk, not logs.
type Shipper struct {
	socketPath string
	buffer     *Buffer
	cloud      cloud.Client
	log        zerolog.Logger
	opts       ShipperOptions
}

// NewShipper creates a log shipper.
func NewShipper(socketPath string, buffer *Buffer, client cloud.Client, log zerolog.Logger, opts ShipperOptions) *Shipper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultShipBatch
	}
	return &Shipper{
		socketPath: socketPath,
		buffer:     buffer,
		cloud:      client,
		log:        telemetry.ComponentLogger(log, "shipper"),
		opts:       opts,
	}
}

// Name implements Worker.
func (s *Shipper) Name() string {
	return string(protocol.IdentityLogger)
}

// Run implements Worker.
func (s *Shipper) Run(ctx context.Context) error {
	ep, err := ipc.Connect(ctx, s.socketPath, protocol.IdentityLogger)
	if err != nil {
		return err
	}
	defer ep.Close()

	if err := ep.Send(protocol.IdentityCore, protocol.KindSubsystemReady, nil); err != nil {
		return err
	}

	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		s.receive(ctx, ep)
	}()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// One last drain so a clean shutdown loses nothing that the
			// control plane would accept.
			s.ship(context.Background())
			_ = ep.Close()
			<-recvDone
			return nil
		case <-recvDone:
			return nil
		case <-ticker.C:
			s.ship(ctx)
		}
	}
}

// receive buffers incoming log entries until the connection closes or a
// stop arrives.
func (s *Shipper) receive(ctx context.Context, ep *ipc.Endpoint) {
	for {
		msg, err := ep.Receive()
		if err != nil {
			if !errors.Is(err, ipc.ErrConnectionClosed) {
				s.log.Warn().Err(err).Msg("receive failed")
			}
			return
		}

		switch msg.Type {
		case protocol.KindSubsystemStop:
			return
		case protocol.KindLogEntry:
			var entry protocol.LogEntry
			if err := protocol.ParseData(msg.Data, &entry); err != nil {
				s.log.Warn().Err(err).Msg("bad log entry payload")
				continue
			}
			rec := cloud.LogRecord{
				Time:    entry.Time,
				Level:   entry.Level,
				Source:  entry.Source,
				Message: entry.Message,
			}
			if err := s.buffer.Append(ctx, rec); err != nil {
				s.log.Error().Err(err).Msg("cannot buffer log entry")
				continue
			}
			s.opts.Metrics.LogBuffered()
		default:
			s.log.Debug().Str("type", string(msg.Type)).Msg("ignoring message")
		}
	}
}

// ship uploads one batch of buffered records. Failures leave the buffer
// untouched for the next tick.
func (s *Shipper) ship(ctx context.Context) {
	ids, recs, err := s.buffer.Pending(ctx, s.opts.Batch)
	if err != nil {
		s.log.Error().Err(err).Msg("cannot read log buffer")
		return
	}
	if len(recs) == 0 {
		return
	}
	if err := s.cloud.ShipLogs(ctx, recs); err != nil {
		s.log.Warn().Err(err).Int("count", len(recs)).Msg("log upload failed, keeping buffer")
		return
	}
	if err := s.buffer.Delete(ctx, ids); err != nil {
		s.log.Error().Err(err).Msg("cannot clear shipped records")
		return
	}
	s.opts.Metrics.LogsShipped(len(recs))
	s.log.Debug().Int("count", len(recs)).Msg("logs shipped")
}
