// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify

import (
	"crypto/ecdh"
	"encoding/json"
)

// unmarshalKeyBytes decodes the raw key bytes shared by both ECDH key
// wrappers. A JSON null or empty value yields nil, leaving the key unset.
func unmarshalKeyBytes(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw []byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func marshalKeyBytes(raw []byte) ([]byte, error) {
	if raw == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(raw)
}

// ECDHPrivateKey wraps an X25519 private key so that in-flight handshake
// state can be round-tripped through JSON by persistent stores.
type ECDHPrivateKey struct {
	*ecdh.PrivateKey
}

func (e *ECDHPrivateKey) UnmarshalJSON(data []byte) error {
	raw, err := unmarshalKeyBytes(data)
	if err != nil || len(raw) == 0 {
		return err
	}
	e.PrivateKey, err = ecdh.X25519().NewPrivateKey(raw)
	return err
}

func (e ECDHPrivateKey) MarshalJSON() ([]byte, error) {
	if e.PrivateKey == nil {
		return marshalKeyBytes(nil)
	}
	return marshalKeyBytes(e.Bytes())
}

// ECDHPublicKey wraps an X25519 public key for JSON round-tripping.
type ECDHPublicKey struct {
	*ecdh.PublicKey
}

func (e *ECDHPublicKey) UnmarshalJSON(data []byte) error {
	raw, err := unmarshalKeyBytes(data)
	if err != nil || len(raw) == 0 {
		return err
	}
	e.PublicKey, err = ecdh.X25519().NewPublicKey(raw)
	return err
}

func (e ECDHPublicKey) MarshalJSON() ([]byte, error) {
	if e.PublicKey == nil {
		return marshalKeyBytes(nil)
	}
	return marshalKeyBytes(e.Bytes())
}
