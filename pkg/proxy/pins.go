package proxy

import "sync"

// RequestPins answers PIN prompts with the PIN supplied in the current request. Pass it as the
// session's connector.PinProvider; the Proxy fills it in while it holds its command lock.
type RequestPins struct {
	lock sync.Mutex
	pin  string
}

func (r *RequestPins) set(pin string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.pin = pin
}

// RequestPin implements connector.PinProvider. Without a PIN in the current request the prompt is
// cancelled.
func (r *RequestPins) RequestPin(_ string, _ bool, onSuccess func(string), onCancel func()) {
	r.lock.Lock()
	pin := r.pin
	r.lock.Unlock()
	if pin == "" {
		onCancel()
		return
	}
	onSuccess(pin)
}
