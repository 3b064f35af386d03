// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/skip2/go-qrcode"

	"go.mau.fi/keyverify/id"
)

var (
	ErrInvalidQRCodeHeader  = fmt.Errorf("%w: invalid header", ErrQRCodeInvalid)
	ErrUnknownQRCodeVersion = fmt.Errorf("%w: unknown version", ErrQRCodeInvalid)
	ErrInvalidQRCodeMode    = fmt.Errorf("%w: invalid mode", ErrQRCodeInvalid)
	ErrQRCodeTruncated      = fmt.Errorf("%w: data truncated", ErrQRCodeInvalid)
)

const (
	qrCodeHeader  = "MATRIX"
	qrCodeVersion = 0x02
	qrCodeMinLen  = len(qrCodeHeader) + 1 + 1 + 2 // header, version, mode, txn length

	qrCodeSharedSecretLength = 16
)

type QRCodeMode byte

const (
	// QRCodeModeCrossSigning is used when verifying another user.
	QRCodeModeCrossSigning QRCodeMode = 0x00
	// QRCodeModeSelfVerifyingMasterKeyTrusted is used when verifying one's
	// own device and the showing device trusts the master key.
	QRCodeModeSelfVerifyingMasterKeyTrusted QRCodeMode = 0x01
	// QRCodeModeSelfVerifyingMasterKeyUntrusted is used when verifying one's
	// own device and the showing device does not trust the master key.
	QRCodeModeSelfVerifyingMasterKeyUntrusted QRCodeMode = 0x02
)

// QRCode is the payload encoded in a verification QR code.
type QRCode struct {
	Mode          QRCodeMode
	TransactionID id.VerificationTransactionID
	Key1, Key2    [32]byte
	SharedSecret  []byte
}

func NewQRCode(mode QRCodeMode, txnID id.VerificationTransactionID, key1, key2 [32]byte, sharedSecret []byte) *QRCode {
	return &QRCode{
		Mode:          mode,
		TransactionID: txnID,
		Key1:          key1,
		Key2:          key2,
		SharedSecret:  sharedSecret,
	}
}

// NewQRCodeFromBytes parses the payload of a scanned QR code. Any structural
// failure is reported as ErrQRCodeInvalid; partially parsed payloads are
// never returned.
func NewQRCodeFromBytes(data []byte) (*QRCode, error) {
	if len(data) < qrCodeMinLen {
		return nil, ErrQRCodeTruncated
	}
	if !bytes.HasPrefix(data, []byte(qrCodeHeader)) {
		return nil, ErrInvalidQRCodeHeader
	}
	if data[6] != qrCodeVersion {
		return nil, ErrUnknownQRCodeVersion
	}
	if data[7] != 0x00 && data[7] != 0x01 && data[7] != 0x02 {
		return nil, ErrInvalidQRCodeMode
	}
	transactionIDLength := int(binary.BigEndian.Uint16(data[8:10]))
	// Both keys and a non-empty shared secret must fit after the transaction ID.
	if len(data) <= 10+transactionIDLength+64 {
		return nil, ErrQRCodeTruncated
	}
	transactionID := data[10 : 10+transactionIDLength]

	var key1, key2 [32]byte
	copy(key1[:], data[10+transactionIDLength:10+transactionIDLength+32])
	copy(key2[:], data[10+transactionIDLength+32:10+transactionIDLength+64])

	return &QRCode{
		Mode:          QRCodeMode(data[7]),
		TransactionID: id.VerificationTransactionID(transactionID),
		Key1:          key1,
		Key2:          key2,
		SharedSecret:  data[10+transactionIDLength+64:],
	}, nil
}

// Bytes returns the binary payload that needs to be encoded in the QR code.
func (q *QRCode) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(qrCodeHeader)  // Header
	buf.WriteByte(qrCodeVersion)   // Version
	buf.WriteByte(byte(q.Mode))    // Mode

	// Transaction ID length + Transaction ID
	buf.Write(binary.BigEndian.AppendUint16(nil, uint16(len(q.TransactionID.String()))))
	buf.WriteString(q.TransactionID.String())

	buf.Write(q.Key1[:])      // Key 1
	buf.Write(q.Key2[:])      // Key 2
	buf.Write(q.SharedSecret) // Shared secret
	return buf.Bytes()
}

// Image renders the payload as a PNG image with the given size in pixels for
// displaying to the user.
func (q *QRCode) Image(size int) ([]byte, error) {
	return qrcode.Encode(string(q.Bytes()), qrcode.Low, size)
}
