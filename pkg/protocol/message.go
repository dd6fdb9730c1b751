package protocol

import "time"

// Message is a decoded push message from the backend. The concrete type is one of
// *AssignedVehicles, *CommandStatusUpdate, *DebugMessage, *PendingCommands, *ServiceStatusUpdate,
// *ServiceStatusUpdates, *VehicleAuthChanged, *StatusUpdate or *StatusUpdates.
type Message interface {
	// Acknowledgement returns the payload that must be sent back to the backend once the message
	// has been processed, or nil if the message does not require one. Batches return the
	// acknowledgement of their last member.
	Acknowledgement() []byte

	isMessage()
}

// AssignedVehicles announces that the set of vehicles assigned to the user changed.
type AssignedVehicles struct {
	VINs []string
	Ack  []byte
}

// CommandStatusUpdate carries progress reports for previously sent commands.
type CommandStatusUpdate struct {
	SequenceNumber int32
	Statuses       []*CommandStatus
	Ack            []byte
}

// DebugMessage is free-form diagnostic text.
type DebugMessage struct {
	Text string
}

// PendingCommands lists commands the backend is still processing for the user.
type PendingCommands struct {
	Commands []PendingCommand
	Ack      []byte
}

// PendingCommand is a command the backend has not finished processing.
type PendingCommand struct {
	RequestID string
	VIN       string
	Command   string
	State     CommandState
}

// ServiceStatus is the activation status of one connected service.
type ServiceStatus struct {
	ServiceID int32
	Status    int32
}

// ServiceStatusUpdate announces service activation changes for one vehicle.
type ServiceStatusUpdate struct {
	SequenceNumber int32
	VIN            string
	Services       []ServiceStatus
	Ack            []byte
}

// ServiceStatusUpdates is a batch of ServiceStatusUpdate messages.
type ServiceStatusUpdates struct {
	Updates []*ServiceStatusUpdate
}

// VehicleAuthChanged announces that the user's authorization for a vehicle changed.
type VehicleAuthChanged struct {
	VIN string
	Ack []byte
}

// StatusUpdate is a vehicle event payload (VEP): a full or partial snapshot of vehicle status.
type StatusUpdate struct {
	SequenceNumber int32
	VIN            string
	FullUpdate     bool
	EmittedAt      time.Time
	Attributes     map[string]Attribute
	Ack            []byte
}

// StatusUpdates is a batch of StatusUpdate messages, possibly for different vehicles.
type StatusUpdates struct {
	SequenceNumber int32
	Updates        []*StatusUpdate
}

func (m *AssignedVehicles) Acknowledgement() []byte     { return m.Ack }
func (m *CommandStatusUpdate) Acknowledgement() []byte  { return m.Ack }
func (m *DebugMessage) Acknowledgement() []byte         { return nil }
func (m *PendingCommands) Acknowledgement() []byte      { return m.Ack }
func (m *ServiceStatusUpdate) Acknowledgement() []byte  { return m.Ack }
func (m *VehicleAuthChanged) Acknowledgement() []byte   { return m.Ack }
func (m *StatusUpdate) Acknowledgement() []byte         { return m.Ack }
func (m *ServiceStatusUpdates) Acknowledgement() []byte { return lastAck(len(m.Updates), func(i int) []byte { return m.Updates[i].Ack }) }
func (m *StatusUpdates) Acknowledgement() []byte        { return lastAck(len(m.Updates), func(i int) []byte { return m.Updates[i].Ack }) }

func lastAck(n int, ack func(int) []byte) []byte {
	if n == 0 {
		return nil
	}
	return ack(n - 1)
}

func (*AssignedVehicles) isMessage()     {}
func (*CommandStatusUpdate) isMessage()  {}
func (*DebugMessage) isMessage()         {}
func (*PendingCommands) isMessage()      {}
func (*ServiceStatusUpdate) isMessage()  {}
func (*ServiceStatusUpdates) isMessage() {}
func (*VehicleAuthChanged) isMessage()   {}
func (*StatusUpdate) isMessage()         {}
func (*StatusUpdates) isMessage()        {}
