// Package registry is the authoritative in-memory store of known devices.
//
// A single RWMutex guards the device map. No method calls into another
// component while holding it, so callers may freely combine registry calls with
// media server or device calls without lock-order concerns.
package registry

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go2tv.app/castkeeper/internal/domain"
)

type Registry struct {
	now func() time.Time

	mu      sync.RWMutex
	devices map[string]*domain.Device
}

func New() *Registry {
	return &Registry{
		now:     time.Now,
		devices: map[string]*domain.Device{},
	}
}

// Upsert inserts dev or merges its metadata into the existing record. The
// desired assignment, observed state and control mode of an existing record
// are never touched.
func (r *Registry) Upsert(dev domain.Device) (domain.Device, error) {
	name := strings.TrimSpace(dev.Name)
	if name == "" {
		return domain.Device{}, domain.NewError(domain.ErrInvalidArgument, "INVALID_ARGUMENT", "device name is empty")
	}
	dev.Name = name
	dev.Address = strings.TrimSpace(dev.Address)
	dev.Protocol = strings.ToLower(strings.TrimSpace(dev.Protocol))
	if dev.ID == "" {
		dev.ID = StableID(dev.Protocol, dev.Address)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices[name]
	if !ok {
		created := dev.Clone()
		created.Desired = nil
		if created.Reachability == "" {
			created.Reachability = domain.ReachabilityUnknown
		}
		if created.Observed.State == "" {
			created.Observed.State = domain.StateStopped
		}
		if created.ControlMode == "" {
			created.ControlMode = domain.ControlAuto
		}
		r.devices[name] = &created
		return created.Clone(), nil
	}

	if dev.Address != "" {
		existing.Address = dev.Address
		existing.ID = dev.ID
	}
	if dev.Protocol != "" {
		existing.Protocol = dev.Protocol
	}
	if dev.Type != "" {
		existing.Type = dev.Type
	}
	existing.IsAudioOnly = dev.IsAudioOnly
	if dev.Reachability != "" && dev.Reachability != domain.ReachabilityUnknown {
		existing.Reachability = dev.Reachability
	}
	if dev.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = dev.LastSeen
	}
	return existing.Clone(), nil
}

func (r *Registry) Get(name string) (domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[strings.TrimSpace(name)]
	if !ok {
		return domain.Device{}, domain.DeviceNotFound(name)
	}
	return r.effective(dev), nil
}

// Resolve finds a device by exact name, then id, then case-insensitive name
// with any trailing " (...)" qualifier ignored.
func (r *Registry) Resolve(target string) (domain.Device, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return domain.Device{}, domain.DeviceNotFound(target)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if dev, ok := r.devices[target]; ok {
		return r.effective(dev), nil
	}
	for _, dev := range r.devices {
		if dev.ID == target {
			return r.effective(dev), nil
		}
	}
	normalizedTarget := normalizeDeviceTarget(target)
	for _, dev := range r.devices {
		if strings.EqualFold(dev.Name, target) || normalizeDeviceTarget(dev.Name) == normalizedTarget {
			return r.effective(dev), nil
		}
	}
	return domain.Device{}, domain.DeviceNotFound(target)
}

// SetDesired replaces the desired assignment; nil clears it.
func (r *Registry) SetDesired(name string, desired *domain.Assignment) error {
	return r.mutate(name, func(dev *domain.Device) {
		if desired == nil {
			dev.Desired = nil
			return
		}
		copied := *desired
		dev.Desired = &copied
	})
}

func (r *Registry) SetObserved(name string, obs domain.Observation) error {
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = r.now()
	}
	return r.mutate(name, func(dev *domain.Device) {
		dev.Observed = obs
	})
}

func (r *Registry) SetReachability(name string, reachability domain.Reachability, seenAt time.Time) error {
	return r.mutate(name, func(dev *domain.Device) {
		dev.Reachability = reachability
		if reachability == domain.ReachabilityReachable && seenAt.After(dev.LastSeen) {
			dev.LastSeen = seenAt
		}
	})
}

// SetControlMode switches the control mode. A manual mode with a non-zero
// expiry reverts to auto once the expiry has passed.
func (r *Registry) SetControlMode(name string, mode domain.ControlMode, expiry time.Time) error {
	switch mode {
	case domain.ControlAuto, domain.ControlManual:
	default:
		return domain.NewError(domain.ErrInvalidArgument, "INVALID_ARGUMENT", "unknown control mode %q", mode)
	}
	return r.mutate(name, func(dev *domain.Device) {
		dev.ControlMode = mode
		if mode == domain.ControlManual {
			dev.ManualUntil = expiry
		} else {
			dev.ManualUntil = time.Time{}
		}
	})
}

// EffectiveControlMode reports the control mode in force right now.
func (r *Registry) EffectiveControlMode(name string) (domain.ControlMode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[strings.TrimSpace(name)]
	if !ok {
		return "", domain.DeviceNotFound(name)
	}
	r.expireManualLocked(dev)
	return dev.ControlMode, nil
}

// List returns copies of all devices sorted by name.
func (r *Registry) List() []domain.Device {
	r.mu.RLock()
	out := make([]domain.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, r.effective(dev))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = strings.TrimSpace(name)
	if _, ok := r.devices[name]; !ok {
		return domain.DeviceNotFound(name)
	}
	delete(r.devices, name)
	return nil
}

func (r *Registry) mutate(name string, apply func(dev *domain.Device)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[strings.TrimSpace(name)]
	if !ok {
		return domain.DeviceNotFound(name)
	}
	apply(dev)
	return nil
}

// effective returns a copy with an elapsed manual override already reverted.
// Safe under the read lock: it never writes to dev.
func (r *Registry) effective(dev *domain.Device) domain.Device {
	out := dev.Clone()
	if out.ControlMode == domain.ControlManual && !out.ManualUntil.IsZero() && !r.now().Before(out.ManualUntil) {
		out.ControlMode = domain.ControlAuto
		out.ManualUntil = time.Time{}
	}
	return out
}

func (r *Registry) expireManualLocked(dev *domain.Device) {
	if dev.ControlMode == domain.ControlManual && !dev.ManualUntil.IsZero() && !r.now().Before(dev.ManualUntil) {
		dev.ControlMode = domain.ControlAuto
		dev.ManualUntil = time.Time{}
	}
}

func normalizeDeviceTarget(v string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if idx := strings.LastIndex(normalized, " ("); idx > 0 && strings.HasSuffix(normalized, ")") {
		normalized = strings.TrimSpace(normalized[:idx])
	}
	return normalized
}

// StableID derives a device id that survives renames and rediscovery.
func StableID(protocol, address string) string {
	canonical := fmt.Sprintf("%s|%s", strings.ToLower(strings.TrimSpace(protocol)), strings.ToLower(strings.TrimSpace(address)))
	sum := sha1.Sum([]byte(canonical))
	return "dev_" + hex.EncodeToString(sum[:8])
}
