package protocol

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the PushMessage payload oneof.
const (
	fieldAssignedVehicles     protowire.Number = 10
	fieldCommandStatusUpdate  protowire.Number = 11
	fieldDebugMessage         protowire.Number = 12
	fieldPendingCommands      protowire.Number = 13
	fieldServiceStatusUpdate  protowire.Number = 14
	fieldServiceStatusUpdates protowire.Number = 15
	fieldVehicleAuthChanged   protowire.Number = 16
	fieldStatusUpdate         protowire.Number = 17
	fieldStatusUpdates        protowire.Number = 18

	// Every acknowledged payload stores its acknowledgement under the same field number.
	fieldAck protowire.Number = 15

	fieldCommandRequest protowire.Number = 10
)

// Decode parses a push message. Unknown fields are skipped. If the envelope contains more than
// one payload, the last one wins.
func Decode(b []byte) (Message, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	var message Message
	for _, f := range fields {
		var decoded Message
		if f.num < fieldAssignedVehicles || f.num > fieldStatusUpdates {
			continue
		}
		if f.typ != protowire.BytesType {
			return nil, wireTypeError(f)
		}
		switch f.num {
		case fieldAssignedVehicles:
			decoded, err = decodeAssignedVehicles(f.bytes)
		case fieldCommandStatusUpdate:
			decoded, err = decodeCommandStatusUpdate(f.bytes)
		case fieldDebugMessage:
			decoded, err = decodeDebugMessage(f.bytes)
		case fieldPendingCommands:
			decoded, err = decodePendingCommands(f.bytes)
		case fieldServiceStatusUpdate:
			decoded, err = decodeServiceStatusUpdate(f.bytes)
		case fieldServiceStatusUpdates:
			decoded, err = decodeServiceStatusUpdates(f.bytes)
		case fieldVehicleAuthChanged:
			decoded, err = decodeVehicleAuthChanged(f.bytes)
		case fieldStatusUpdate:
			decoded, err = decodeStatusUpdate(f.bytes)
		case fieldStatusUpdates:
			decoded, err = decodeStatusUpdates(f.bytes)
		}
		if err != nil {
			return nil, err
		}
		message = decoded
	}
	if message == nil {
		return nil, ErrEmptyMessage
	}
	return message, nil
}

// Encode serializes a push message. It is the inverse of Decode and is used by backend simulators
// and tests.
func Encode(m Message) ([]byte, error) {
	var e encoder
	switch msg := m.(type) {
	case *AssignedVehicles:
		e.message(fieldAssignedVehicles, encodeAssignedVehicles(msg))
	case *CommandStatusUpdate:
		e.message(fieldCommandStatusUpdate, encodeCommandStatusUpdate(msg))
	case *DebugMessage:
		var d encoder
		d.str(1, msg.Text)
		e.message(fieldDebugMessage, d.b)
	case *PendingCommands:
		e.message(fieldPendingCommands, encodePendingCommands(msg))
	case *ServiceStatusUpdate:
		e.message(fieldServiceStatusUpdate, encodeServiceStatusUpdate(msg))
	case *ServiceStatusUpdates:
		var d encoder
		for _, u := range msg.Updates {
			d.message(1, encodeServiceStatusUpdate(u))
		}
		e.message(fieldServiceStatusUpdates, d.b)
	case *VehicleAuthChanged:
		var d encoder
		d.str(1, msg.VIN)
		d.bytes(fieldAck, msg.Ack)
		e.message(fieldVehicleAuthChanged, d.b)
	case *StatusUpdate:
		e.message(fieldStatusUpdate, encodeStatusUpdate(msg))
	case *StatusUpdates:
		var d encoder
		d.int32(1, msg.SequenceNumber)
		for _, u := range msg.Updates {
			d.message(2, encodeStatusUpdate(u))
		}
		e.message(fieldStatusUpdates, d.b)
	default:
		return nil, fmt.Errorf("cannot encode message of type %T", m)
	}
	return e.b, nil
}

// EncodeCommandRequest serializes a client message carrying r.
func EncodeCommandRequest(r *CommandRequest) ([]byte, error) {
	if r.RequestID == "" {
		return nil, fmt.Errorf("command request is missing a request id")
	}
	if r.VIN == "" {
		return nil, fmt.Errorf("command request is missing a vin")
	}
	var req encoder
	req.str(1, r.VIN)
	req.str(2, r.RequestID)
	req.str(3, r.Command)
	req.str(4, r.PIN)
	for _, p := range r.Parameters {
		var param encoder
		param.str(1, p.Name)
		param.str(2, p.Value)
		req.message(5, param.b)
	}
	var e encoder
	e.str(1, r.TrackingID)
	e.message(fieldCommandRequest, req.b)
	return e.b, nil
}

// DecodeCommandRequest parses a client message produced by EncodeCommandRequest.
func DecodeCommandRequest(b []byte) (*CommandRequest, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	var d decoder
	var r *CommandRequest
	var trackingID string
	for _, f := range fields {
		switch f.num {
		case 1:
			trackingID = d.str(f)
		case fieldCommandRequest:
			r = &CommandRequest{}
			d.each(d.bytes(f), func(g field) {
				switch g.num {
				case 1:
					r.VIN = d.str(g)
				case 2:
					r.RequestID = d.str(g)
				case 3:
					r.Command = d.str(g)
				case 4:
					r.PIN = d.str(g)
				case 5:
					var p Parameter
					d.each(d.bytes(g), func(h field) {
						switch h.num {
						case 1:
							p.Name = d.str(h)
						case 2:
							p.Value = d.str(h)
						}
					})
					r.Parameters = append(r.Parameters, p)
				}
			})
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if r == nil {
		return nil, ErrEmptyMessage
	}
	r.TrackingID = trackingID
	return r, nil
}

func decodeAssignedVehicles(b []byte) (*AssignedVehicles, error) {
	var d decoder
	m := &AssignedVehicles{}
	d.each(b, func(f field) {
		switch f.num {
		case 1:
			m.VINs = append(m.VINs, d.str(f))
		case fieldAck:
			m.Ack = d.bytes(f)
		}
	})
	return m, d.err
}

func encodeAssignedVehicles(m *AssignedVehicles) []byte {
	var e encoder
	for _, vin := range m.VINs {
		e.str(1, vin)
	}
	e.bytes(fieldAck, m.Ack)
	return e.b
}

func decodeCommandStatusUpdate(b []byte) (*CommandStatusUpdate, error) {
	var d decoder
	m := &CommandStatusUpdate{}
	d.each(b, func(f field) {
		switch f.num {
		case 1:
			m.SequenceNumber = d.int32(f)
		case 2:
			status := &CommandStatus{}
			d.each(d.bytes(f), func(g field) {
				switch g.num {
				case 1:
					status.VIN = d.str(g)
				case 2:
					status.RequestID = d.str(g)
				case 3:
					status.ProcessID = d.int64(g)
				case 4:
					status.Command = d.str(g)
				case 5:
					status.State = CommandState(d.int32(g))
				case 6:
					var detail CommandErrorDetail
					d.each(d.bytes(g), func(h field) {
						switch h.num {
						case 1:
							detail.Code = d.str(h)
						case 2:
							detail.Message = d.str(h)
						}
					})
					status.Errors = append(status.Errors, detail)
				case 7:
					status.Timestamp = d.millis(g)
				}
			})
			m.Statuses = append(m.Statuses, status)
		case fieldAck:
			m.Ack = d.bytes(f)
		}
	})
	return m, d.err
}

func encodeCommandStatusUpdate(m *CommandStatusUpdate) []byte {
	var e encoder
	e.int32(1, m.SequenceNumber)
	for _, s := range m.Statuses {
		var status encoder
		status.str(1, s.VIN)
		status.str(2, s.RequestID)
		status.int64(3, s.ProcessID)
		status.str(4, s.Command)
		status.int32(5, int32(s.State))
		for _, detail := range s.Errors {
			var de encoder
			de.str(1, detail.Code)
			de.str(2, detail.Message)
			status.message(6, de.b)
		}
		status.millis(7, s.Timestamp)
		e.message(2, status.b)
	}
	e.bytes(fieldAck, m.Ack)
	return e.b
}

func decodeDebugMessage(b []byte) (*DebugMessage, error) {
	var d decoder
	m := &DebugMessage{}
	d.each(b, func(f field) {
		if f.num == 1 {
			m.Text = d.str(f)
		}
	})
	return m, d.err
}

func decodePendingCommands(b []byte) (*PendingCommands, error) {
	var d decoder
	m := &PendingCommands{}
	d.each(b, func(f field) {
		switch f.num {
		case 1:
			var c PendingCommand
			d.each(d.bytes(f), func(g field) {
				switch g.num {
				case 1:
					c.RequestID = d.str(g)
				case 2:
					c.VIN = d.str(g)
				case 3:
					c.Command = d.str(g)
				case 4:
					c.State = CommandState(d.int32(g))
				}
			})
			m.Commands = append(m.Commands, c)
		case fieldAck:
			m.Ack = d.bytes(f)
		}
	})
	return m, d.err
}

func encodePendingCommands(m *PendingCommands) []byte {
	var e encoder
	for _, c := range m.Commands {
		var ce encoder
		ce.str(1, c.RequestID)
		ce.str(2, c.VIN)
		ce.str(3, c.Command)
		ce.int32(4, int32(c.State))
		e.message(1, ce.b)
	}
	e.bytes(fieldAck, m.Ack)
	return e.b
}

func decodeServiceStatusUpdate(b []byte) (*ServiceStatusUpdate, error) {
	var d decoder
	m := &ServiceStatusUpdate{}
	d.each(b, func(f field) {
		switch f.num {
		case 1:
			m.SequenceNumber = d.int32(f)
		case 2:
			m.VIN = d.str(f)
		case 3:
			var s ServiceStatus
			d.each(d.bytes(f), func(g field) {
				switch g.num {
				case 1:
					s.ServiceID = d.int32(g)
				case 2:
					s.Status = d.int32(g)
				}
			})
			m.Services = append(m.Services, s)
		case fieldAck:
			m.Ack = d.bytes(f)
		}
	})
	return m, d.err
}

func encodeServiceStatusUpdate(m *ServiceStatusUpdate) []byte {
	var e encoder
	e.int32(1, m.SequenceNumber)
	e.str(2, m.VIN)
	for _, s := range m.Services {
		var se encoder
		se.int32(1, s.ServiceID)
		se.int32(2, s.Status)
		e.message(3, se.b)
	}
	e.bytes(fieldAck, m.Ack)
	return e.b
}

func decodeServiceStatusUpdates(b []byte) (*ServiceStatusUpdates, error) {
	var d decoder
	m := &ServiceStatusUpdates{}
	d.each(b, func(f field) {
		if f.num != 1 {
			return
		}
		update, err := decodeServiceStatusUpdate(d.bytes(f))
		if err != nil {
			d.fail(err)
			return
		}
		m.Updates = append(m.Updates, update)
	})
	return m, d.err
}

func decodeVehicleAuthChanged(b []byte) (*VehicleAuthChanged, error) {
	var d decoder
	m := &VehicleAuthChanged{}
	d.each(b, func(f field) {
		switch f.num {
		case 1:
			m.VIN = d.str(f)
		case fieldAck:
			m.Ack = d.bytes(f)
		}
	})
	return m, d.err
}

func decodeStatusUpdate(b []byte) (*StatusUpdate, error) {
	var d decoder
	m := &StatusUpdate{Attributes: make(map[string]Attribute)}
	d.each(b, func(f field) {
		switch f.num {
		case 1:
			m.SequenceNumber = d.int32(f)
		case 2:
			m.VIN = d.str(f)
		case 3:
			m.FullUpdate = d.bool(f)
		case 4:
			m.EmittedAt = d.millis(f)
		case 5:
			var name string
			var attr Attribute
			d.each(d.bytes(f), func(g field) {
				switch g.num {
				case 1:
					name = d.str(g)
				case 2:
					attr = decodeAttribute(&d, d.bytes(g))
				}
			})
			if name == "" {
				d.fail(fmt.Errorf("%w: attribute without a name", ErrBadMessage))
				return
			}
			m.Attributes[name] = attr
		case fieldAck:
			m.Ack = d.bytes(f)
		}
	})
	return m, d.err
}

func decodeAttribute(d *decoder, b []byte) Attribute {
	var attr Attribute
	d.each(b, func(f field) {
		switch f.num {
		case 1:
			attr.Timestamp = d.millis(f)
		case 2:
			attr.Changed = d.bool(f)
		case 3:
			attr.Status = AttributeStatus(d.int32(f))
		case 4:
			attr.Kind, attr.String = KindString, d.str(f)
		case 5:
			attr.Kind, attr.Int = KindInt, d.sint64(f)
		case 6:
			attr.Kind, attr.Double = KindDouble, d.double(f)
		case 7:
			attr.Kind, attr.Bool = KindBool, d.bool(f)
		case 8:
			attr.Unit = d.str(f)
		}
	})
	return attr
}

func encodeStatusUpdate(m *StatusUpdate) []byte {
	var e encoder
	e.int32(1, m.SequenceNumber)
	e.str(2, m.VIN)
	e.bool(3, m.FullUpdate)
	e.millis(4, m.EmittedAt)
	for name, attr := range m.Attributes {
		var entry encoder
		entry.str(1, name)
		entry.message(2, encodeAttribute(attr))
		e.message(5, entry.b)
	}
	e.bytes(fieldAck, m.Ack)
	return e.b
}

func encodeAttribute(attr Attribute) []byte {
	var e encoder
	e.millis(1, attr.Timestamp)
	e.bool(2, attr.Changed)
	e.int32(3, int32(attr.Status))
	// Oneof members are written even when they hold the zero value so the kind survives.
	switch attr.Kind {
	case KindString:
		e.b = protowire.AppendTag(e.b, 4, protowire.BytesType)
		e.b = protowire.AppendString(e.b, attr.String)
	case KindInt:
		e.b = protowire.AppendTag(e.b, 5, protowire.VarintType)
		e.b = protowire.AppendVarint(e.b, protowire.EncodeZigZag(attr.Int))
	case KindDouble:
		e.b = protowire.AppendTag(e.b, 6, protowire.Fixed64Type)
		e.b = protowire.AppendFixed64(e.b, math.Float64bits(attr.Double))
	case KindBool:
		e.b = protowire.AppendTag(e.b, 7, protowire.VarintType)
		e.b = protowire.AppendVarint(e.b, protowire.EncodeBool(attr.Bool))
	}
	e.str(8, attr.Unit)
	return e.b
}

func decodeStatusUpdates(b []byte) (*StatusUpdates, error) {
	var d decoder
	m := &StatusUpdates{}
	d.each(b, func(f field) {
		switch f.num {
		case 1:
			m.SequenceNumber = d.int32(f)
		case 2:
			update, err := decodeStatusUpdate(d.bytes(f))
			if err != nil {
				d.fail(err)
				return
			}
			m.Updates = append(m.Updates, update)
		}
	})
	return m, d.err
}

// field is a single decoded key-value pair of a protobuf message.
type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed64 uint64
	bytes   []byte
}

func parseFields(b []byte) ([]field, error) {
	var fields []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %s", ErrBadMessage, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %s", ErrBadMessage, num, protowire.ParseError(n))
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

func wireTypeError(f field) error {
	return fmt.Errorf("%w: field %d has unexpected wire type %d", ErrBadMessage, f.num, f.typ)
}

// decoder accumulates the first error encountered while decoding nested messages, so field
// handlers can be written without error plumbing.
type decoder struct {
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) each(b []byte, handle func(field)) {
	if d.err != nil {
		return
	}
	fields, err := parseFields(b)
	if err != nil {
		d.fail(err)
		return
	}
	for _, f := range fields {
		if d.err != nil {
			return
		}
		handle(f)
	}
}

func (d *decoder) check(f field, typ protowire.Type) bool {
	if f.typ != typ {
		d.fail(wireTypeError(f))
		return false
	}
	return true
}

func (d *decoder) bytes(f field) []byte {
	if !d.check(f, protowire.BytesType) {
		return nil
	}
	return append([]byte(nil), f.bytes...)
}

func (d *decoder) str(f field) string {
	if !d.check(f, protowire.BytesType) {
		return ""
	}
	return string(f.bytes)
}

func (d *decoder) int32(f field) int32 {
	if !d.check(f, protowire.VarintType) {
		return 0
	}
	return int32(f.varint)
}

func (d *decoder) int64(f field) int64 {
	if !d.check(f, protowire.VarintType) {
		return 0
	}
	return int64(f.varint)
}

func (d *decoder) sint64(f field) int64 {
	if !d.check(f, protowire.VarintType) {
		return 0
	}
	return protowire.DecodeZigZag(f.varint)
}

func (d *decoder) bool(f field) bool {
	if !d.check(f, protowire.VarintType) {
		return false
	}
	return protowire.DecodeBool(f.varint)
}

func (d *decoder) double(f field) float64 {
	if !d.check(f, protowire.Fixed64Type) {
		return 0
	}
	return math.Float64frombits(f.fixed64)
}

func (d *decoder) millis(f field) time.Time {
	ms := d.int64(f)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// encoder appends proto3 fields, omitting scalar fields that hold their zero value.
type encoder struct {
	b []byte
}

func (e *encoder) str(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

// message always appends, since the presence of an empty submessage is meaningful.
func (e *encoder) message(num protowire.Number, v []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) int32(num protowire.Number, v int32) {
	e.int64(num, int64(v))
}

func (e *encoder) int64(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, uint64(v))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, 1)
}

func (e *encoder) millis(num protowire.Number, t time.Time) {
	if t.IsZero() {
		return
	}
	e.int64(num, t.UnixMilli())
}
