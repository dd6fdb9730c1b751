package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/pkg/protocol"
)

// StatusCache holds the status documents of up to MaxEntries vehicles.
type StatusCache struct {
	MaxEntries int                        `json:"max_entries"`
	Vehicles   map[string]json.RawMessage `json:"vehicles"`
	lock       sync.Mutex
	filename   string
}

// New returns a StatusCache that holds status for up to maxEntries vehicles. When a new vehicle
// would exceed the limit, the vehicle whose status was updated least recently is evicted.
//
// Set maxEntries to zero for an unbounded cache.
func New(maxEntries int) *StatusCache {
	return &StatusCache{
		MaxEntries: maxEntries,
		Vehicles:   make(map[string]json.RawMessage),
	}
}

// Import a StatusCache using data in r.
// The data should previously have been generated using [StatusCache.Export].
func Import(r io.Reader) (*StatusCache, error) {
	var cache StatusCache
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&cache); err != nil {
		return nil, err
	}
	if cache.Vehicles == nil {
		cache.Vehicles = make(map[string]json.RawMessage)
	}
	for vin, doc := range cache.Vehicles {
		if !gjson.ValidBytes(doc) {
			return nil, fmt.Errorf("invalid status document for %s", vin)
		}
	}
	return &cache, nil
}

// ImportFromFile reads a StatusCache from disk.
func ImportFromFile(filename string) (*StatusCache, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Import(file)
}

// Export writes a serialized StatusCache to w.
func (c *StatusCache) Export(w io.Writer) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return json.NewEncoder(w).Encode(c)
}

// ExportToFile writes a StatusCache to disk.
func (c *StatusCache) ExportToFile(filename string) error {
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	return c.Export(file)
}

// PersistTo makes c write itself to filename after every applied update. An empty filename
// disables persistence.
func (c *StatusCache) PersistTo(filename string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.filename = filename
}

// Apply patches the document of update.VIN with update and returns the resulting status.
//
// A full update replaces the document. Otherwise attributes not named in update keep their
// previous values.
func (c *StatusCache) Apply(ctx context.Context, update *protocol.StatusUpdate) (*protocol.VehicleStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if update.VIN == "" {
		return nil, fmt.Errorf("status update %d has no VIN", update.SequenceNumber)
	}

	c.lock.Lock()
	doc, ok := c.Vehicles[update.VIN]
	if !ok || update.FullUpdate {
		doc = emptyDocument(update.VIN)
	}
	doc, err := patch(doc, update)
	if err != nil {
		c.lock.Unlock()
		return nil, fmt.Errorf("failed to patch status of %s: %w", update.VIN, err)
	}
	c.Vehicles[update.VIN] = doc
	c.evict(update.VIN)
	filename := c.filename
	c.lock.Unlock()

	if filename != "" {
		if err := c.ExportToFile(filename); err != nil {
			return nil, fmt.Errorf("failed to persist status cache: %w", err)
		}
	}
	return decode(doc)
}

// Status returns the cached status of vin.
func (c *StatusCache) Status(vin string) (*protocol.VehicleStatus, bool) {
	c.lock.Lock()
	doc, ok := c.Vehicles[vin]
	c.lock.Unlock()
	if !ok {
		return nil, false
	}
	status, err := decode(doc)
	if err != nil {
		log.Warning("[%s] Discarding unreadable cached status: %s", vin, err)
		return nil, false
	}
	return status, true
}

// Attribute returns a single cached attribute of vin without decoding the rest of its status.
func (c *StatusCache) Attribute(vin, name string) (protocol.Attribute, bool) {
	var attr protocol.Attribute
	c.lock.Lock()
	doc, ok := c.Vehicles[vin]
	c.lock.Unlock()
	if !ok {
		return attr, false
	}
	result := gjson.GetBytes(doc, "attributes."+escape(name))
	if !result.Exists() {
		return attr, false
	}
	if err := json.Unmarshal([]byte(result.Raw), &attr); err != nil {
		return attr, false
	}
	return attr, true
}

// VINs lists the vehicles present in c.
func (c *StatusCache) VINs() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	vins := make([]string, 0, len(c.Vehicles))
	for vin := range c.Vehicles {
		vins = append(vins, vin)
	}
	return vins
}

// Delete removes the status of vin.
func (c *StatusCache) Delete(vin string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.Vehicles, vin)
}

// evict drops the least recently updated vehicle other than keep if c is over capacity. Caller
// must hold the lock.
func (c *StatusCache) evict(keep string) {
	if c.MaxEntries <= 0 || len(c.Vehicles) <= c.MaxEntries {
		return
	}
	var oldestVIN string
	var oldest time.Time
	for vin, doc := range c.Vehicles {
		if vin == keep {
			continue
		}
		updated := gjson.GetBytes(doc, "updated_at").Time()
		if oldestVIN == "" || updated.Before(oldest) {
			oldestVIN = vin
			oldest = updated
		}
	}
	if oldestVIN != "" {
		log.Debug("[%s] Evicting cached status", oldestVIN)
		delete(c.Vehicles, oldestVIN)
	}
}

func emptyDocument(vin string) json.RawMessage {
	doc, _ := sjson.SetBytes([]byte(`{"attributes":{}}`), "vin", vin)
	return doc
}

func patch(doc []byte, update *protocol.StatusUpdate) ([]byte, error) {
	// sjson may modify doc in place.
	doc = append([]byte(nil), doc...)
	var err error
	if doc, err = sjson.SetBytes(doc, "sequence_number", update.SequenceNumber); err != nil {
		return nil, err
	}
	if doc, err = sjson.SetBytes(doc, "updated_at", update.EmittedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	for name, attr := range update.Attributes {
		raw, err := json.Marshal(attr)
		if err != nil {
			return nil, err
		}
		if doc, err = sjson.SetRawBytes(doc, "attributes."+escape(name), raw); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func decode(doc []byte) (*protocol.VehicleStatus, error) {
	var status protocol.VehicleStatus
	if err := json.Unmarshal(doc, &status); err != nil {
		return nil, err
	}
	if status.Attributes == nil {
		status.Attributes = make(map[string]protocol.Attribute)
	}
	return &status, nil
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`)

// escape quotes characters that gjson and sjson treat as path syntax.
func escape(name string) string {
	return pathEscaper.Replace(name)
}
