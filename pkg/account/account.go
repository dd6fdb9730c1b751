package account

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

const (
	library           = "vehicle-session"
	maxResponseLength = 10000000
)

func buildUserAgent(app string) string {
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return library
	}
	path := strings.Split(build.Path, "/")
	if len(path) == 0 {
		return library
	}

	if app == "" {
		app = path[len(path)-1]
		var version string
		if build.Main.Version != "(devel)" && build.Main.Version != "" {
			version = build.Main.Version
		} else {
			for _, info := range build.Settings {
				if info.Key == "vcs.revision" {
					if len(info.Value) > 8 {
						version = info.Value[0:8]
					}
					break
				}
			}
		}

		if version != "" {
			app = fmt.Sprintf("%s/%s", app, version)
		}
	}
	if app == "" || app == library {
		return library
	}
	return fmt.Sprintf("%s %s", app, library)
}

var domainRegEx = regexp.MustCompile(`^[A-Za-z0-9-.]+(:[0-9]+)?$`) // We're mostly interested in stopping paths; the http package handles the rest.

// Vehicle is an entry of the account's vehicle list.
type Vehicle struct {
	VIN         string `json:"vin"`
	DisplayName string `json:"display_name"`
	Authorized  bool   `json:"authorized"`
}

// Service is the activation state of a connected service of one vehicle.
type Service struct {
	ID     int32  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Account queries the REST API of the vehicle backend. It implements session.Refresher, so that
// lifecycle events pushed over a session reload the affected account data.
type Account struct {
	// The default UserAgent is constructed from build information, but can be overridden.
	UserAgent string
	Host      string
	tokens    *TokenSource
	client    http.Client

	lock     sync.Mutex
	vehicles []Vehicle
	services map[string][]Service
	pending  []protocol.PendingCommand

	// OnVehiclesChanged is called after the vehicle list has been reloaded.
	OnVehiclesChanged func([]Vehicle)
}

// New returns an Account that authenticates requests to host with tokens.
func New(host string, tokens *TokenSource, userAgent string) (*Account, error) {
	if !domainRegEx.MatchString(host) {
		return nil, fmt.Errorf("invalid API host %q", host)
	}
	return &Account{
		UserAgent: buildUserAgent(userAgent),
		Host:      host,
		tokens:    tokens,
		services:  make(map[string][]Service),
	}, nil
}

// Get sends an HTTP GET request to endpoint.
//
// The endpoint should contain only the path (e.g., "api/v1/vehicles"); the domain is determined
// by a.Host.
func (a *Account) Get(ctx context.Context, endpoint string) ([]byte, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("https://%s/%s", a.Host, endpoint)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error constructing request to %s: %w", endpoint, err)
	}
	log.Debug("Requesting %s...", url)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", a.UserAgent)
	request.Header.Set("Authorization", "Bearer "+token.Value)
	response, err := a.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", endpoint, err)
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusUnauthorized {
		a.tokens.Invalidate()
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http error when fetching %s: %s", url, response.Status)
	}
	reader := io.LimitedReader{R: response.Body, N: maxResponseLength}
	body, err := io.ReadAll(&reader)
	if err != nil {
		return nil, err
	}
	log.Debug("Received: %s", body)
	return body, nil
}

// RefreshVehicles reloads the vehicle list. The vins named by the triggering event are only
// logged; the whole list is always reloaded.
func (a *Account) RefreshVehicles(ctx context.Context, vins []string) error {
	log.Debug("Reloading vehicles after change to %v", vins)
	body, err := a.Get(ctx, "api/v1/vehicles")
	if err != nil {
		return err
	}
	var rsp struct {
		Vehicles []Vehicle `json:"vehicles"`
	}
	if err := json.Unmarshal(body, &rsp); err != nil {
		return fmt.Errorf("invalid vehicle list: %w", err)
	}

	a.lock.Lock()
	a.vehicles = rsp.Vehicles
	known := make(map[string]bool)
	for _, v := range rsp.Vehicles {
		known[v.VIN] = true
	}
	for vin := range a.services {
		if !known[vin] {
			delete(a.services, vin)
		}
	}
	onChanged := a.OnVehiclesChanged
	a.lock.Unlock()

	if onChanged != nil {
		onChanged(rsp.Vehicles)
	}
	return nil
}

// RefreshServices reloads the services of vin.
func (a *Account) RefreshServices(ctx context.Context, vin string, changed []protocol.ServiceStatus) error {
	log.Debug("[%s] Reloading services after %d changes", vin, len(changed))
	body, err := a.Get(ctx, fmt.Sprintf("api/v1/vehicles/%s/services", vin))
	if err != nil {
		return err
	}
	var rsp struct {
		Services []Service `json:"services"`
	}
	if err := json.Unmarshal(body, &rsp); err != nil {
		return fmt.Errorf("invalid service list: %w", err)
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	a.services[vin] = rsp.Services
	return nil
}

// RefreshPendingCommands records the commands the backend is still processing.
func (a *Account) RefreshPendingCommands(_ context.Context, commands []protocol.PendingCommand) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.pending = append([]protocol.PendingCommand(nil), commands...)
	return nil
}

// Vehicles returns the vehicle list loaded by the last RefreshVehicles.
func (a *Account) Vehicles() []Vehicle {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]Vehicle(nil), a.vehicles...)
}

// Services returns the services of vin loaded by the last RefreshServices.
func (a *Account) Services(vin string) []Service {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]Service(nil), a.services[vin]...)
}

// PendingCommands returns the commands reported by the last RefreshPendingCommands.
func (a *Account) PendingCommands() []protocol.PendingCommand {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]protocol.PendingCommand(nil), a.pending...)
}
