// Package input normalizes raw controller payloads from either transport
// into one canonical event shape and tracks which device is which.
package input

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/couchpad/couchpad/internal/directory"
	"github.com/couchpad/couchpad/internal/metrics"
)

// ErrMalformedInput marks payloads that match no recognized input shape.
// The router drops these itself; the sentinel exists for callers that feed
// payloads in manually and want to distinguish "bad payload" from "not an
// input" (heartbeats).
var ErrMalformedInput = errors.New("malformed input payload")

type Transport string

const (
	TransportDirect  Transport = "direct"
	TransportRelayed Transport = "relayed"
)

type EventKind string

const (
	KindDpad   EventKind = "dpad"
	KindButton EventKind = "button"
)

// ControllerInput is the canonical, transport-independent input event.
type ControllerInput struct {
	DeviceID  string
	Kind      EventKind
	Action    string
	Data      map[string]any
	Timestamp time.Time
	Transport Transport
}

var dpadActions = map[string]struct{}{
	"up":    {},
	"down":  {},
	"left":  {},
	"right": {},
}

// Router normalizes raw payloads and owns the device registry. The registry
// is rebuilt incrementally by the lobby state machine rather than recomputed
// from the device list on every membership change.
type Router struct {
	metrics *metrics.Metrics
	clock   func() time.Time

	// TouchFunc, when set, is invoked with the device id of every heartbeat
	// payload so the caller can refresh the device's last-seen marker.
	TouchFunc func(deviceID string)

	mu      sync.Mutex
	devices map[string]RegisteredDevice
}

type RegisteredDevice struct {
	ID   string
	Name string
	Role directory.Role
}

func NewRouter(m *metrics.Metrics) *Router {
	if m == nil {
		m = metrics.New()
	}
	return &Router{
		metrics: m,
		clock:   time.Now,
		devices: make(map[string]RegisteredDevice),
	}
}

func (r *Router) Register(deviceID, name string, role directory.Role) {
	r.mu.Lock()
	r.devices[deviceID] = RegisteredDevice{ID: deviceID, Name: name, Role: role}
	r.mu.Unlock()
}

func (r *Router) Unregister(deviceID string) {
	r.mu.Lock()
	delete(r.devices, deviceID)
	r.mu.Unlock()
}

func (r *Router) UnregisterAll() {
	r.mu.Lock()
	r.devices = make(map[string]RegisteredDevice)
	r.mu.Unlock()
}

func (r *Router) Lookup(deviceID string) (RegisteredDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[deviceID]
	return dev, ok
}

// Devices returns the registered devices ordered by id.
func (r *Router) Devices() []RegisteredDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RegisteredDevice, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FromDirect normalizes a raw data-channel payload. The bool result is false
// when the payload is not a recognized input (malformed, or a heartbeat).
func (r *Router) FromDirect(deviceID string, raw []byte) (ControllerInput, bool) {
	return r.normalize(deviceID, raw, TransportDirect)
}

// FromFallback normalizes a raw latest-input payload read from the session
// record. Equivalent raw payloads normalize identically to FromDirect except
// for the Transport tag.
func (r *Router) FromFallback(deviceID string, raw []byte) (ControllerInput, bool) {
	return r.normalize(deviceID, raw, TransportRelayed)
}

func (r *Router) normalize(deviceID string, raw []byte, transport Transport) (ControllerInput, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		r.drop(deviceID, transport, "not a json object")
		return ControllerInput{}, false
	}

	if hb, ok := fields["heartbeat"]; ok {
		var isHeartbeat bool
		if err := json.Unmarshal(hb, &isHeartbeat); err == nil && isHeartbeat {
			if r.TouchFunc != nil {
				r.TouchFunc(deviceID)
			}
			return ControllerInput{}, false
		}
		r.drop(deviceID, transport, "bad heartbeat value")
		return ControllerInput{}, false
	}

	kind, action, ok := classify(fields)
	if !ok {
		r.drop(deviceID, transport, "unrecognized shape")
		return ControllerInput{}, false
	}

	data := extraFields(fields)
	return ControllerInput{
		DeviceID:  deviceID,
		Kind:      kind,
		Action:    action,
		Data:      data,
		Timestamp: r.clock(),
		Transport: transport,
	}, true
}

func classify(fields map[string]json.RawMessage) (EventKind, string, bool) {
	if raw, ok := fields["key"]; ok {
		var key string
		if err := json.Unmarshal(raw, &key); err != nil {
			return "", "", false
		}
		if _, ok := dpadActions[key]; !ok {
			return "", "", false
		}
		return KindDpad, key, true
	}
	if raw, ok := fields["button"]; ok {
		var button string
		if err := json.Unmarshal(raw, &button); err != nil || button == "" {
			return "", "", false
		}
		return KindButton, button, true
	}
	return "", "", false
}

// extraFields keeps any structured fields beyond the discriminator so
// payload extensions survive normalization.
func extraFields(fields map[string]json.RawMessage) map[string]any {
	var data map[string]any
	for k, raw := range fields {
		if k == "key" || k == "button" {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if data == nil {
			data = make(map[string]any)
		}
		data[k] = v
	}
	return data
}

func (r *Router) drop(deviceID string, transport Transport, reason string) {
	// Bad payloads are dropped, not retried: there is no valid retry
	// semantics for a payload that never parsed.
	r.metrics.Inc(metrics.DropReasonMalformedInput)
	slog.Warn("dropping unrecognized input payload",
		"device_id", deviceID,
		"transport", transport,
		"reason", reason,
	)
}
