// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/keyverify/id"
)

// Device is the identity key material the engine needs about a single device.
type Device struct {
	UserID     id.UserID
	DeviceID   id.DeviceID
	SigningKey id.Ed25519
	Trusted    bool
}

// CrossSigningKeys is a user's published cross-signing key set.
type CrossSigningKeys struct {
	MasterKey      id.Ed25519
	SelfSigningKey id.Ed25519
	UserSigningKey id.Ed25519
}

// KeyStore provides the identity keys involved in a verification and records
// the trust decisions it produces. Implementations are expected to be safe
// for concurrent use.
type KeyStore interface {
	// OwnIdentity returns our own device.
	OwnIdentity(ctx context.Context) (*Device, error)
	// GetDevice returns the given device of the given user, or an error if
	// its keys are not known.
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error)
	// GetUserDevices returns all known devices of the given user.
	GetUserDevices(ctx context.Context, userID id.UserID) ([]*Device, error)
	// GetCrossSigningKeys returns the user's cross-signing keys, or nil if
	// none are known.
	GetCrossSigningKeys(ctx context.Context, userID id.UserID) (*CrossSigningKeys, error)
	// IsMasterKeyTrusted reports whether we already trust the given user's
	// master cross-signing key.
	IsMasterKeyTrusted(ctx context.Context, userID id.UserID) (bool, error)
	// TrustDevice marks the device as verified.
	TrustDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error
	// TrustMasterKey marks the user's master key as verified.
	TrustMasterKey(ctx context.Context, userID id.UserID) error
}

// InMemoryKeyStore is a KeyStore backed by maps, for tests and demos.
type InMemoryKeyStore struct {
	lock sync.RWMutex

	own               *Device
	devices           map[id.UserID]map[id.DeviceID]*Device
	crossSigning      map[id.UserID]*CrossSigningKeys
	trustedMasterKeys map[id.UserID]bool
}

var _ KeyStore = (*InMemoryKeyStore)(nil)

func NewInMemoryKeyStore(own *Device) *InMemoryKeyStore {
	ks := &InMemoryKeyStore{
		own:               own,
		devices:           map[id.UserID]map[id.DeviceID]*Device{},
		crossSigning:      map[id.UserID]*CrossSigningKeys{},
		trustedMasterKeys: map[id.UserID]bool{},
	}
	ks.AddDevice(own)
	return ks
}

func (ks *InMemoryKeyStore) AddDevice(device *Device) {
	ks.lock.Lock()
	defer ks.lock.Unlock()
	if ks.devices[device.UserID] == nil {
		ks.devices[device.UserID] = map[id.DeviceID]*Device{}
	}
	ks.devices[device.UserID][device.DeviceID] = device
}

func (ks *InMemoryKeyStore) SetCrossSigningKeys(userID id.UserID, keys *CrossSigningKeys) {
	ks.lock.Lock()
	defer ks.lock.Unlock()
	ks.crossSigning[userID] = keys
}

func (ks *InMemoryKeyStore) OwnIdentity(_ context.Context) (*Device, error) {
	ks.lock.RLock()
	defer ks.lock.RUnlock()
	return ks.own, nil
}

func (ks *InMemoryKeyStore) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error) {
	ks.lock.RLock()
	defer ks.lock.RUnlock()
	device, ok := ks.devices[userID][deviceID]
	if !ok {
		return nil, fmt.Errorf("no keys found for device %s of %s", deviceID, userID)
	}
	return device, nil
}

func (ks *InMemoryKeyStore) GetUserDevices(_ context.Context, userID id.UserID) ([]*Device, error) {
	ks.lock.RLock()
	defer ks.lock.RUnlock()
	devices := make([]*Device, 0, len(ks.devices[userID]))
	for _, device := range ks.devices[userID] {
		devices = append(devices, device)
	}
	return devices, nil
}

func (ks *InMemoryKeyStore) GetCrossSigningKeys(_ context.Context, userID id.UserID) (*CrossSigningKeys, error) {
	ks.lock.RLock()
	defer ks.lock.RUnlock()
	return ks.crossSigning[userID], nil
}

func (ks *InMemoryKeyStore) IsMasterKeyTrusted(_ context.Context, userID id.UserID) (bool, error) {
	ks.lock.RLock()
	defer ks.lock.RUnlock()
	return ks.trustedMasterKeys[userID], nil
}

func (ks *InMemoryKeyStore) TrustDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) error {
	ks.lock.Lock()
	defer ks.lock.Unlock()
	device, ok := ks.devices[userID][deviceID]
	if !ok {
		return fmt.Errorf("no keys found for device %s of %s", deviceID, userID)
	}
	device.Trusted = true
	return nil
}

func (ks *InMemoryKeyStore) TrustMasterKey(_ context.Context, userID id.UserID) error {
	ks.lock.Lock()
	defer ks.lock.Unlock()
	ks.trustedMasterKeys[userID] = true
	return nil
}
