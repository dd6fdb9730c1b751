package observable

import (
	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

// Store is the set of observable fields of a session: one per UpdateType, plus the aggregate
// status, its sequence number and the connection state.
type Store struct {
	ConnectionState Field[connector.State]
	Status          Field[*protocol.VehicleStatus]
	SequenceNumber  Field[int32]

	groups [protocol.NumUpdateTypes]Field[protocol.AttributeGroup]
}

// Group returns the field holding attributes of type t.
func (s *Store) Group(t protocol.UpdateType) *Field[protocol.AttributeGroup] {
	return &s.groups[t]
}

// AuxHeat returns the field holding auxiliary heating attributes.
func (s *Store) AuxHeat() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateAuxHeat) }
// Battery returns the field holding battery attributes.
func (s *Store) Battery() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateBattery) }
// Charging returns the field holding charging attributes.
func (s *Store) Charging() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateCharging) }
// Doors returns the field holding door attributes.
func (s *Store) Doors() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateDoors) }
// EcoScore returns the field holding eco score attributes.
func (s *Store) EcoScore() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateEcoScore) }
// Engine returns the field holding engine attributes.
func (s *Store) Engine() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateEngine) }
// HeadUnit returns the field holding head unit attributes.
func (s *Store) HeadUnit() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateHeadUnit) }
// Location returns the field holding location attributes.
func (s *Store) Location() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateLocation) }
// Statistics returns the field holding trip statistics attributes.
func (s *Store) Statistics() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateStatistics) }
// Tank returns the field holding tank attributes.
func (s *Store) Tank() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateTank) }
// Theft returns the field holding theft alarm attributes.
func (s *Store) Theft() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateTheft) }
// Tires returns the field holding tire attributes.
func (s *Store) Tires() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateTires) }
// Vehicle returns the field holding general vehicle attributes.
func (s *Store) Vehicle() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateVehicle) }
// Warnings returns the field holding warning attributes.
func (s *Store) Warnings() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateWarnings) }
// Windows returns the field holding window attributes.
func (s *Store) Windows() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateWindows) }
// ZEV returns the field holding zero-emission vehicle attributes.
func (s *Store) ZEV() *Field[protocol.AttributeGroup] { return s.Group(protocol.UpdateZEV) }

// Publisher writes to a Store. It is held by the session that owns the Store; callers must
// serialize calls to a Publisher.
type Publisher struct {
	store *Store
}

// NewPublisher returns a Publisher for an empty Store.
func NewPublisher() *Publisher {
	return &Publisher{store: &Store{}}
}

// Store returns the read side of p.
func (p *Publisher) Store() *Store {
	return p.store
}

// Update publishes the groups of status selected by types, followed by the sequence number and the
// aggregate status. If notify is false, values change without invoking subscribers.
func (p *Publisher) Update(status *protocol.VehicleStatus, types protocol.UpdateTypes, notify bool) {
	for _, t := range types.Types() {
		p.store.groups[t].set(status.Group(t), notify)
	}
	var seq int32
	if status != nil {
		seq = status.SequenceNumber
	}
	p.store.SequenceNumber.set(seq, notify)
	p.store.Status.set(status, notify)
}

// RefreshAll publishes every field of status.
func (p *Publisher) RefreshAll(status *protocol.VehicleStatus, notify bool) {
	p.Update(status, protocol.AllUpdateTypes, notify)
}

// SetConnectionState publishes a connection state change.
func (p *Publisher) SetConnectionState(state connector.State) {
	p.store.ConnectionState.set(state, true)
}
