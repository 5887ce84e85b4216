package dispatch

import (
	"context"
	"log/slog"

	"github.com/aryandayal/amazon-server/internal/device"
	"github.com/aryandayal/amazon-server/internal/metrics"
	"github.com/aryandayal/amazon-server/internal/protocol"
)

// EventGPSUpdate is the event name under which position updates are published
const EventGPSUpdate = "gps_update"

// Publisher broadcasts a named event to the current subscribers
type Publisher interface {
	Publish(event string, payload any) int
}

// Source identifies the connection a record arrived on
type Source struct {
	SessionID  string
	RemoteAddr string
}

// LocationUpdate is the payload of a gps_update event
type LocationUpdate struct {
	Lat        float64        `json:"lat"`
	Lng        float64        `json:"lng"`
	Speed      protocol.Float `json:"speed"`
	Heading    protocol.Float `json:"heading"`
	Altitude   protocol.Float `json:"altitude"`
	Satellites protocol.Int   `json:"satellites"`
	Date       string         `json:"date"`
	Time       string         `json:"time"`
	VehicleNo  string         `json:"vehicleNo"`
	IMEI       string         `json:"imei"`
}

// NewLocationUpdate projects a position report onto the published event shape
func NewLocationUpdate(p *protocol.PositionReport) LocationUpdate {
	return LocationUpdate{
		Lat:        p.Latitude.Value,
		Lng:        p.Longitude.Value,
		Speed:      p.Speed,
		Heading:    p.Heading,
		Altitude:   p.Altitude,
		Satellites: p.Satellites,
		Date:       p.Date,
		Time:       p.Time,
		VehicleNo:  p.VehicleNo,
		IMEI:       p.IMEI,
	}
}

// Dispatcher logs every decoded record and publishes position updates
type Dispatcher struct {
	publisher Publisher
	devices   *device.Manager
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewDispatcher creates a dispatcher. devices may be nil when no registry is kept.
func NewDispatcher(publisher Publisher, devices *device.Manager, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		devices:   devices,
		logger:    logger,
		metrics:   m,
	}
}

// Dispatch handles one decoded record. It reports whether an event was published.
func (d *Dispatcher) Dispatch(ctx context.Context, src Source, record protocol.Record) bool {
	switch r := record.(type) {
	case *protocol.PositionReport:
		d.metrics.RecordRecord(protocol.TagPosition, true)
		d.logger.InfoContext(ctx, "Position report received",
			slog.String("session_id", src.SessionID),
			slog.String("imei", r.IMEI),
			slog.String("vehicle_no", r.VehicleNo),
			slog.Any("record", r),
		)

		if !r.HasValidCoordinates() {
			d.metrics.RecordInvalidFix()
			d.logger.WarnContext(ctx, "Position report has invalid coordinates, not published",
				slog.String("session_id", src.SessionID),
				slog.String("imei", r.IMEI),
				slog.String("latitude", r.Latitude.String()),
				slog.String("longitude", r.Longitude.String()),
			)
			return false
		}

		if d.devices != nil {
			d.devices.RecordFix(src.SessionID, r)
		}

		update := NewLocationUpdate(r)
		delivered := d.publisher.Publish(EventGPSUpdate, update)

		d.logger.DebugContext(ctx, "GPS update published",
			slog.String("imei", r.IMEI),
			slog.Float64("lat", update.Lat),
			slog.Float64("lng", update.Lng),
			slog.Int("subscribers", delivered),
		)
		return true

	case *protocol.Login:
		d.metrics.RecordRecord(protocol.TagLogin, true)
		d.logger.InfoContext(ctx, "Login received",
			slog.String("session_id", src.SessionID),
			slog.String("imei", r.IMEI),
			slog.String("vehicle_no", r.VehicleNo),
			slog.Any("record", r),
		)

		if d.devices != nil {
			d.devices.ApplyLogin(src.SessionID, r)
		}
		return false

	default:
		d.metrics.RecordRecord(record.Tag(), false)
		d.logger.InfoContext(ctx, "Unknown message type",
			slog.String("session_id", src.SessionID),
			slog.String("remote_addr", src.RemoteAddr),
			slog.String("tag", record.Tag()),
			slog.Any("record", record),
		)
		return false
	}
}
