package protocol

import (
	"fmt"
	"strings"
	"time"
)

// AttributeStatus describes the quality of an attribute value reported by the vehicle.
type AttributeStatus int32

const (
	AttributeValid        AttributeStatus = 0
	AttributeNotReceived  AttributeStatus = 1
	AttributeInvalid      AttributeStatus = 3
	AttributeNotAvailable AttributeStatus = 4
)

// ValueKind selects which value field of an Attribute is populated.
type ValueKind int32

const (
	KindNone ValueKind = iota
	KindString
	KindInt
	KindDouble
	KindBool
)

// Attribute is the last reported value of a single vehicle signal, such as "doorstatusfrontleft".
type Attribute struct {
	Timestamp time.Time       `json:"timestamp"`
	Changed   bool            `json:"changed,omitempty"`
	Status    AttributeStatus `json:"status"`
	Kind      ValueKind       `json:"kind"`
	String    string          `json:"string,omitempty"`
	Int       int64           `json:"int,omitempty"`
	Double    float64         `json:"double,omitempty"`
	Bool      bool            `json:"bool,omitempty"`
	Unit      string          `json:"unit,omitempty"`
}

// Value returns the populated value field, or nil if the attribute carries no value.
func (a Attribute) Value() interface{} {
	switch a.Kind {
	case KindString:
		return a.String
	case KindInt:
		return a.Int
	case KindDouble:
		return a.Double
	case KindBool:
		return a.Bool
	}
	return nil
}

func (a Attribute) Format() string {
	value := a.Value()
	if value == nil {
		return "-"
	}
	if a.Unit != "" {
		return fmt.Sprintf("%v %s", value, a.Unit)
	}
	return fmt.Sprintf("%v", value)
}

// UpdateType identifies one of the observable slices of vehicle status.
type UpdateType int

const (
	UpdateAuxHeat UpdateType = iota
	UpdateBattery
	UpdateCharging
	UpdateDoors
	UpdateEcoScore
	UpdateEngine
	UpdateHeadUnit
	UpdateLocation
	UpdateStatistics
	UpdateTank
	UpdateTheft
	UpdateTires
	UpdateVehicle
	UpdateWarnings
	UpdateWindows
	UpdateZEV

	// NumUpdateTypes is the number of distinct UpdateType values.
	NumUpdateTypes = int(iota)
)

var updateTypeNames = [NumUpdateTypes]string{
	"auxheat", "battery", "charging", "doors", "ecoscore", "engine", "headunit", "location",
	"statistics", "tank", "theft", "tires", "vehicle", "warnings", "windows", "zev",
}

func (u UpdateType) String() string {
	if u >= 0 && int(u) < NumUpdateTypes {
		return updateTypeNames[u]
	}
	return fmt.Sprintf("UpdateType(%d)", int(u))
}

// ParseUpdateType converts a name produced by UpdateType.String back into an UpdateType.
func ParseUpdateType(name string) (UpdateType, bool) {
	for i, n := range updateTypeNames {
		if n == strings.ToLower(name) {
			return UpdateType(i), true
		}
	}
	return 0, false
}

// UpdateTypes is a set of UpdateType values.
type UpdateTypes uint32

// AllUpdateTypes contains every UpdateType. Full status updates touch all of them.
const AllUpdateTypes = UpdateTypes(1<<NumUpdateTypes - 1)

func NewUpdateTypes(types ...UpdateType) UpdateTypes {
	var set UpdateTypes
	for _, t := range types {
		set = set.With(t)
	}
	return set
}

func (s UpdateTypes) With(t UpdateType) UpdateTypes {
	return s | 1<<uint(t)
}

func (s UpdateTypes) Has(t UpdateType) bool {
	return s&(1<<uint(t)) != 0
}

func (s UpdateTypes) Empty() bool {
	return s == 0
}

// Types lists the members of s in UpdateType order.
func (s UpdateTypes) Types() []UpdateType {
	var types []UpdateType
	for i := 0; i < NumUpdateTypes; i++ {
		if s.Has(UpdateType(i)) {
			types = append(types, UpdateType(i))
		}
	}
	return types
}

func (s UpdateTypes) String() string {
	var names []string
	for _, t := range s.Types() {
		names = append(names, t.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Attribute names are matched against these prefixes in order; the first match wins. For example
// "doorlockstatusvehicle" belongs to UpdateDoors, not UpdateVehicle.
var attributePrefixes = []struct {
	prefix string
	update UpdateType
}{
	{"auxheat", UpdateAuxHeat},
	{"soc", UpdateBattery},
	{"battery", UpdateBattery},
	{"charging", UpdateCharging},
	{"chargeprogram", UpdateCharging},
	{"endofcharge", UpdateCharging},
	{"door", UpdateDoors},
	{"decklid", UpdateDoors},
	{"ecoscore", UpdateEcoScore},
	{"engine", UpdateEngine},
	{"ignition", UpdateEngine},
	{"remotestart", UpdateEngine},
	{"hu", UpdateHeadUnit},
	{"language", UpdateHeadUnit},
	{"timeformat", UpdateHeadUnit},
	{"position", UpdateLocation},
	{"latitude", UpdateLocation},
	{"longitude", UpdateLocation},
	{"heading", UpdateLocation},
	{"distance", UpdateStatistics},
	{"averagespeed", UpdateStatistics},
	{"driven", UpdateStatistics},
	{"tank", UpdateTank},
	{"rangeliquid", UpdateTank},
	{"liquidconsumption", UpdateTank},
	{"theft", UpdateTheft},
	{"interiorprot", UpdateTheft},
	{"towprot", UpdateTheft},
	{"tire", UpdateTires},
	{"odo", UpdateVehicle},
	{"vehiclelock", UpdateVehicle},
	{"parkbrake", UpdateVehicle},
	{"lights", UpdateVehicle},
	{"serviceinterval", UpdateVehicle},
	{"warning", UpdateWarnings},
	{"window", UpdateWindows},
	{"flipwindow", UpdateWindows},
	{"sunroof", UpdateWindows},
	{"rooftop", UpdateWindows},
	{"zev", UpdateZEV},
	{"precond", UpdateZEV},
	{"rangeelectric", UpdateZEV},
}

// UpdateTypeOf maps an attribute name to the UpdateType it belongs to.
func UpdateTypeOf(attribute string) (UpdateType, bool) {
	name := strings.ToLower(attribute)
	for _, p := range attributePrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.update, true
		}
	}
	return 0, false
}

// AffectedTypes returns the UpdateTypes touched by u.
func (u *StatusUpdate) AffectedTypes() UpdateTypes {
	if u.FullUpdate {
		return AllUpdateTypes
	}
	var set UpdateTypes
	for name := range u.Attributes {
		if t, ok := UpdateTypeOf(name); ok {
			set = set.With(t)
		}
	}
	return set
}

// VehicleStatus is the cached aggregate status of one vehicle.
type VehicleStatus struct {
	VIN            string               `json:"vin"`
	SequenceNumber int32                `json:"sequence_number"`
	UpdatedAt      time.Time            `json:"updated_at"`
	Attributes     map[string]Attribute `json:"attributes"`
}

// AttributeGroup is the subset of a VehicleStatus belonging to one UpdateType.
type AttributeGroup struct {
	Type       UpdateType
	UpdatedAt  time.Time
	Attributes map[string]Attribute
}

// Get returns the named attribute of g.
func (g AttributeGroup) Get(name string) (Attribute, bool) {
	attr, ok := g.Attributes[name]
	return attr, ok
}

// Group extracts the attributes of s belonging to t.
func (s *VehicleStatus) Group(t UpdateType) AttributeGroup {
	group := AttributeGroup{Type: t, Attributes: make(map[string]Attribute)}
	if s == nil {
		return group
	}
	group.UpdatedAt = s.UpdatedAt
	for name, attr := range s.Attributes {
		if ut, ok := UpdateTypeOf(name); ok && ut == t {
			group.Attributes[name] = attr
		}
	}
	return group
}
