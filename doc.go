// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package keyverify implements interactive verification of device and
// cross-signing keys between two devices over an untrusted, asynchronous
// message transport.
//
// Two verification methods are supported: a short authentication string
// (emoji/decimal) comparison built on an ECDH handshake, and QR code
// scanning with secret reciprocation. Both flows share one request
// lifecycle with negotiation, cancellation and timeout handling; the
// transport, the long-term key storage and the UI are injected through
// the Transport, KeyStore and callback interfaces.
package keyverify
