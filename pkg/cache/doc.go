// Package cache keeps the last known status of each vehicle so that a client can show it before
// the backend pushes fresh data.
//
// Each vehicle's status is stored as a JSON document. Status updates pushed by the backend are
// applied as patches to that document: partial updates overwrite only the attributes they carry,
// full updates replace the document. A [StatusCache] can be written to disk after every update
// (see [StatusCache.PersistTo]) or explicitly with [StatusCache.Export] and
// [StatusCache.ExportToFile].
//
// The same StatusCache may safely be used with different VINs and from multiple goroutines.
package cache
