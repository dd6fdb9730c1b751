package session

import "sync"

// Selection is a thread-safe connector.VehicleSelector.
type Selection struct {
	lock sync.RWMutex
	vin  string
}

// NewSelection returns a Selection with vin selected. vin may be empty.
func NewSelection(vin string) *Selection {
	return &Selection{vin: vin}
}

// Select changes the selected vehicle. Call Session.RefreshFields afterwards to republish the
// cached status of the new vehicle.
func (s *Selection) Select(vin string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.vin = vin
}

// SelectedVIN returns the selected vehicle, or an empty string if none is selected.
func (s *Selection) SelectedVIN() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.vin
}
