// Package ports lists the serial devices currently visible to the host.
package ports

import (
	"context"
	"sort"

	"fwlink/internal/logx"

	"go.bug.st/serial/enumerator"
)

// PortDescriptor is a snapshot of one serial device taken during a listing.
type PortDescriptor struct {
	Path         string `json:"path"`
	Product      string `json:"product,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	IsUSB        bool   `json:"is_usb"`
}

// ListFunc queries the OS device registry.
type ListFunc func() ([]*enumerator.PortDetails, error)

// Enumerator lists candidate serial ports. It never fails: enumeration errors
// are logged and reported as an empty listing, since "no device plugged in"
// is a normal condition.
type Enumerator struct {
	list ListFunc
}

// New returns an Enumerator backed by go.bug.st/serial/enumerator.
func New() *Enumerator {
	return &Enumerator{list: enumerator.GetDetailedPortsList}
}

// NewWithFunc returns an Enumerator using fn, for tests and alternative registries.
func NewWithFunc(fn ListFunc) *Enumerator {
	return &Enumerator{list: fn}
}

// List returns the visible ports sorted by path, de-duplicated.
func (e *Enumerator) List(ctx context.Context) []PortDescriptor {
	if err := ctx.Err(); err != nil {
		logx.Debugf("ports: listing skipped: %v", err)
		return []PortDescriptor{}
	}
	details, err := e.list()
	if err != nil {
		logx.Warnf("ports: enumeration failed: %v", err)
		return []PortDescriptor{}
	}

	out := make([]PortDescriptor, 0, len(details))
	seen := make(map[string]struct{}, len(details))
	for _, d := range details {
		if d == nil || d.Name == "" {
			continue
		}
		if _, ok := seen[d.Name]; ok {
			continue
		}
		seen[d.Name] = struct{}{}
		out = append(out, PortDescriptor{
			Path:         d.Name,
			Product:      d.Product,
			SerialNumber: d.SerialNumber,
			VendorID:     d.VID,
			ProductID:    d.PID,
			IsUSB:        d.IsUSB,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	logx.Debugf("ports: found %d port(s)", len(out))
	return out
}

// Lookup returns the descriptor for path from a fresh listing.
func (e *Enumerator) Lookup(ctx context.Context, path string) (PortDescriptor, bool) {
	for _, p := range e.List(ctx) {
		if p.Path == path {
			return p, true
		}
	}
	return PortDescriptor{}, false
}

// Paths extracts the path of each descriptor.
func Paths(list []PortDescriptor) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.Path)
	}
	return out
}
