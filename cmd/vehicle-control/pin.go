package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// terminalPins prompts for PINs on the controlling terminal. Prompts are serialized so that two
// commands never read stdin at the same time.
type terminalPins struct {
	lock sync.Mutex
	fd   int
}

func newTerminalPins() *terminalPins {
	return &terminalPins{fd: int(os.Stdin.Fd())}
}

// RequestPin returns immediately; the prompt runs on its own goroutine because the session calls
// it from its event loop.
func (p *terminalPins) RequestPin(reason string, preventReuseAlert bool, onSuccess func(string), onCancel func()) {
	go func() {
		p.lock.Lock()
		defer p.lock.Unlock()

		if !term.IsTerminal(p.fd) {
			writeErr("Cannot prompt for PIN: stdin is not a terminal")
			onCancel()
			return
		}
		if preventReuseAlert {
			fmt.Fprintln(os.Stderr, "The vehicle asks for a PIN you have not used before.")
		}
		fmt.Fprintf(os.Stderr, "%s: ", reason)
		b, err := term.ReadPassword(p.fd)
		fmt.Fprintln(os.Stderr)
		pin := strings.TrimSpace(string(b))
		if err != nil || pin == "" {
			onCancel()
			return
		}
		onSuccess(pin)
	}()
}
