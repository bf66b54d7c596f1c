// SPDX-License-Identifier: MIT

package tapo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// cacheEntry is one live Device instance tracked by DeviceCache.
type cacheEntry struct {
	dev       *Device
	expiresAt time.Time
}

// infoCacheEntry is one short-lived get_device_info snapshot, used to make
// repeated Factory lookups against the same address cheap.
type infoCacheEntry struct {
	info      *DeviceInfo
	expiresAt time.Time
}

// DeviceCache is the Factory of spec.md §4.10: a (ip, username)-keyed pool
// of connected Device instances with a 300s idle TTL, swept every 60s, plus
// a shorter 30s cache of the get_device_info snapshot taken after each
// connect in Get, readable through CachedInfo. Get itself does not consult
// that info cache: a miss in the Device pool always runs a full Connect.
type DeviceCache struct {
	log  *zap.Logger
	opts []Option

	cacheTTL time.Duration
	infoTTL  time.Duration

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	infoCache map[string]*infoCacheEntry
	stop      chan struct{}
	once      sync.Once
}

// NewDeviceCache creates a DeviceCache. opts are applied to every Device it
// constructs, and their deviceCacheTTL/infoCacheTTL values govern sweeping.
func NewDeviceCache(opts ...Option) *DeviceCache {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	c := &DeviceCache{
		log:       cfg.log,
		opts:      opts,
		cacheTTL:  cfg.deviceCacheTTL,
		infoTTL:   cfg.infoCacheTTL,
		entries:   make(map[string]*cacheEntry),
		infoCache: make(map[string]*infoCacheEntry),
		stop:      make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func cacheKey(addr string, creds Credentials) string {
	return addr + "|" + creds.Username
}

// Get returns a connected Device for (addr, creds), reusing a cached
// instance if one is alive. hintedModel, if non-empty, is used to assign
// capabilities when Connect fails with KindUnknownDeviceModel (the device
// answered get_device_info with a model absent from the capability table),
// per spec.md §4.10's fallback-to-hint rule. Any other Connect failure is
// returned as is, without consulting the hint.
func (c *DeviceCache) Get(ctx context.Context, addr string, creds Credentials, hintedModel string) (*Device, error) {
	key := cacheKey(addr, creds)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Now().Before(e.expiresAt) {
		e.expiresAt = time.Now().Add(c.cacheTTL)
		c.mu.Unlock()
		return e.dev, nil
	}
	c.mu.Unlock()

	dev := New(addr, creds, c.opts...)
	err := dev.Connect(ctx)
	if err != nil {
		var terr *Error
		if !errors.As(err, &terr) || terr.Kind != KindUnknownDeviceModel || hintedModel == "" {
			return nil, err
		}
		caps, ok := CapabilitiesForModel(hintedModel)
		if !ok {
			return nil, err
		}
		dev.mu.Lock()
		dev.model = hintedModel
		dev.caps = caps
		dev.capsOK = true
		dev.mu.Unlock()
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{dev: dev, expiresAt: time.Now().Add(c.cacheTTL)}
	c.mu.Unlock()

	if info, infoErr := dev.GetInfo(ctx); infoErr == nil {
		c.mu.Lock()
		c.infoCache[addr] = &infoCacheEntry{info: info, expiresAt: time.Now().Add(c.infoTTL)}
		c.mu.Unlock()
	}
	return dev, nil
}

// CachedInfo returns the most recent get_device_info snapshot for addr, if
// one was captured within the last infoCacheTTL.
func (c *DeviceCache) CachedInfo(addr string) (*DeviceInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.infoCache[addr]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.info, true
}

// Evict removes and disconnects the cached Device for (addr, creds), if
// any.
func (c *DeviceCache) Evict(addr string, creds Credentials) {
	key := cacheKey(addr, creds)
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		e.dev.Disconnect()
	}
}

// Close stops the background sweep and disconnects every cached Device.
func (c *DeviceCache) Close() {
	c.once.Do(func() { close(c.stop) })
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
	for _, e := range entries {
		e.dev.Disconnect()
	}
}

func (c *DeviceCache) sweepLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep evicts idle entries and issues a best-effort Disconnect on each,
// combining any failures (a panicking Disconnect, surfaced via recover)
// into one reported error rather than letting one bad device abort the
// sweep of the rest.
func (c *DeviceCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	var expired []*Device
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			expired = append(expired, e.dev)
			delete(c.entries, k)
		}
	}
	for addr, e := range c.infoCache {
		if now.After(e.expiresAt) {
			delete(c.infoCache, addr)
		}
	}
	c.mu.Unlock()

	var combined error
	for _, dev := range expired {
		combined = multierr.Append(combined, disconnectSafely(dev))
	}
	if combined != nil {
		c.log.Warn("device cache sweep encountered errors", zap.Error(combined))
	}
}

func disconnectSafely(dev *Device) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic disconnecting device: %v", r)
		}
	}()
	dev.Disconnect()
	return nil
}
