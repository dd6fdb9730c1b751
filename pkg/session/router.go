package session

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

// received is the Transport's data callback. Frames are routed on the session's goroutine in
// receive order.
func (s *Session) received(data []byte) {
	s.post(func() { s.route(data) })
}

// route decodes a frame and hands it to exactly one handler. Frames that cannot be decoded are
// logged and dropped.
func (s *Session) route(data []byte) {
	message, err := protocol.Decode(data)
	if err != nil {
		log.Warning("Dropping frame of %d bytes: %s", len(data), err)
		return
	}

	switch m := message.(type) {
	case *protocol.DebugMessage:
		log.Debug("Backend: %s", m.Text)
	case *protocol.CommandStatusUpdate:
		s.dispatcher.HandleStatusUpdate(m)
		s.acknowledge(m)
	case *protocol.StatusUpdate:
		s.writes.Enqueue(m, func() { s.acknowledge(m) })
	case *protocol.StatusUpdates:
		s.writes.EnqueueBatch(m.Updates, func() { s.acknowledge(m) })
	case *protocol.AssignedVehicles:
		s.refresh(m, func(ctx context.Context, r Refresher) error {
			return r.RefreshVehicles(ctx, m.VINs)
		})
	case *protocol.VehicleAuthChanged:
		s.refresh(m, func(ctx context.Context, r Refresher) error {
			return r.RefreshVehicles(ctx, []string{m.VIN})
		})
	case *protocol.PendingCommands:
		s.refresh(m, func(ctx context.Context, r Refresher) error {
			return r.RefreshPendingCommands(ctx, m.Commands)
		})
	case *protocol.ServiceStatusUpdate:
		s.refresh(m, func(ctx context.Context, r Refresher) error {
			return r.RefreshServices(ctx, m.VIN, m.Services)
		})
	case *protocol.ServiceStatusUpdates:
		s.refresh(m, func(ctx context.Context, r Refresher) error {
			return refreshServiceBatch(ctx, r, m.Updates)
		})
	default:
		log.Warning("Dropping unsupported message %T", message)
	}
}

// refresh runs fn in the background and acknowledges m once it returns.
func (s *Session) refresh(m protocol.Message, fn func(context.Context, Refresher) error) {
	if s.cfg.Refresher == nil {
		s.acknowledge(m)
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshTimeout)
		defer cancel()
		if err := fn(ctx, s.cfg.Refresher); err != nil {
			log.Warning("Refresh after %T failed: %s", m, err)
		}
		s.acknowledge(m)
	}()
}

// refreshServiceBatch refreshes each vehicle named in updates once, concurrently. Services of
// repeated vehicles are merged in batch order.
func refreshServiceBatch(ctx context.Context, r Refresher, updates []*protocol.ServiceStatusUpdate) error {
	var order []string
	services := make(map[string][]protocol.ServiceStatus)
	for _, u := range updates {
		if _, ok := services[u.VIN]; !ok {
			order = append(order, u.VIN)
			services[u.VIN] = nil
		}
		services[u.VIN] = append(services[u.VIN], u.Services...)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, vin := range order {
		vin := vin
		g.Go(func() error {
			return r.RefreshServices(ctx, vin, services[vin])
		})
	}
	return g.Wait()
}

// acknowledge echoes m's acknowledgement payload back to the backend.
func (s *Session) acknowledge(m protocol.Message) {
	ack := m.Acknowledgement()
	if len(ack) == 0 {
		return
	}
	s.cfg.Transport.Send(ack, func(err error) {
		if err != nil {
			log.Warning("Failed to acknowledge %T: %s", m, err)
		}
	})
}

// written is the cache write completion. It runs on the write goroutine.
func (s *Session) written(status *protocol.VehicleStatus, fields protocol.UpdateTypes, vin string) {
	if status == nil {
		return
	}
	s.post(func() {
		if selected := s.cfg.Vehicles.SelectedVIN(); vin != selected {
			log.Debug("[%s] Cached update for unselected vehicle", vin)
			return
		}
		s.publisher.Update(status, fields, true)
	})
}
