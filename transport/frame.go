// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/proxishare/proxishare/store"
)

// Stream kinds: the single byte a stream opens with.
const (
	KindControl  byte = 0x01
	KindTransfer byte = 0x02
)

// Frame tags. Every application message is one tagged frame:
// u8 tag | u32 length | payload, big-endian throughout.
const (
	TagPairReq  byte = 0x10
	TagPairAck  byte = 0x11
	TagPairFin  byte = 0x12
	TagOffer    byte = 0x20
	TagAccept   byte = 0x21
	TagReject   byte = 0x22
	TagChunk    byte = 0x23
	TagResumeAt byte = 0x24
	TagFin      byte = 0x25
	TagDone     byte = 0x26
	TagHistReq  byte = 0x30
	TagHistPage byte = 0x31
)

// maxFrameLen bounds a single frame. The largest legitimate frame is
// a CHUNK of the negotiated chunk size plus its header; anything past
// this is a protocol violation, not a big message.
const maxFrameLen = 4 << 20

// ErrProtocol marks malformed frames: unknown tags, bad lengths,
// truncated payloads. Errors wrapping it map to the protocol_violation
// error kind.
var ErrProtocol = errors.New("protocol violation")

const (
	idLen          = 16
	nonceLen       = 20
	fingerprintLen = 32
)

// WriteFrame writes one tagged frame.
func WriteFrame(w io.Writer, tag byte, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one tagged frame, bounding the payload length.
func ReadFrame(r io.Reader) (tag byte, payload []byte, err error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > maxFrameLen {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, length)
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated frame: %v", ErrProtocol, err)
	}
	return hdr[0], payload, nil
}

// reader decodes payload fields and remembers the first error.
type reader struct {
	buf *bytes.Reader
	err error
}

func newReader(payload []byte) *reader {
	return &reader{buf: bytes.NewReader(payload)}
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.buf, b); err != nil {
		r.err = fmt.Errorf("%w: short payload", ErrProtocol)
		return nil
	}
	return b
}

func (r *reader) u8() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) id() string {
	return hex.EncodeToString(r.bytes(idLen))
}

func (r *reader) fingerprint() string {
	return hex.EncodeToString(r.bytes(fingerprintLen))
}

// str8 reads a u8 length-prefixed string.
func (r *reader) str8() string {
	n := r.u8()
	return string(r.bytes(int(n)))
}

// str16 reads a u16 length-prefixed string.
func (r *reader) str16() string {
	n := r.u16()
	return string(r.bytes(int(n)))
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	b, _ := io.ReadAll(r.buf)
	return b
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.buf.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes in payload", ErrProtocol, r.buf.Len())
	}
	return nil
}

// writer encodes payload fields.
type writer struct {
	buf bytes.Buffer
	err error
}

func (w *writer) bytes(b []byte) { w.buf.Write(b) }
func (w *writer) u8(v byte)      { w.buf.WriteByte(v) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) hex(s string, wantLen int, what string) {
	if w.err != nil {
		return
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != wantLen {
		w.err = fmt.Errorf("cannot encode %s %q: want %d hex bytes", what, s, wantLen)
		return
	}
	w.buf.Write(b)
}

func (w *writer) str8(s string) {
	if w.err != nil {
		return
	}
	if len(s) > 0xff {
		w.err = fmt.Errorf("cannot encode string of %d bytes with u8 length", len(s))
		return
	}
	w.u8(byte(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) str16(s string) {
	if w.err != nil {
		return
	}
	if len(s) > 0xffff {
		w.err = fmt.Errorf("cannot encode string of %d bytes with u16 length", len(s))
		return
	}
	w.u16(uint16(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) payload() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

// PairReq opens a pairing handshake.
type PairReq struct {
	DeviceID string
	Name     string
	// Nonce is the initiator's code commitment: the responder derives
	// the 6-digit code from it.
	Nonce []byte
}

func (m *PairReq) encode() ([]byte, error) {
	if len(m.Nonce) != nonceLen {
		return nil, fmt.Errorf("cannot encode pairing nonce of %d bytes", len(m.Nonce))
	}
	var w writer
	w.hex(m.DeviceID, idLen, "device id")
	w.str8(m.Name)
	w.bytes(m.Nonce)
	return w.payload()
}

func decodePairReq(payload []byte) (*PairReq, error) {
	r := newReader(payload)
	m := &PairReq{
		DeviceID: r.id(),
		Name:     r.str8(),
		Nonce:    r.bytes(nonceLen),
	}
	return m, r.done()
}

// PairAck is the responder's verdict.
type PairAck struct {
	Accept      bool
	Fingerprint string
}

func (m *PairAck) encode() ([]byte, error) {
	var w writer
	if m.Accept {
		w.u8(1)
		w.hex(m.Fingerprint, fingerprintLen, "fingerprint")
	} else {
		w.u8(0)
	}
	return w.payload()
}

func decodePairAck(payload []byte) (*PairAck, error) {
	r := newReader(payload)
	m := &PairAck{}
	m.Accept = r.u8() == 1
	if m.Accept {
		m.Fingerprint = r.fingerprint()
	}
	return m, r.done()
}

// PairFin closes the handshake with the initiator's fingerprint.
type PairFin struct {
	Fingerprint string
}

func (m *PairFin) encode() ([]byte, error) {
	var w writer
	w.hex(m.Fingerprint, fingerprintLen, "fingerprint")
	return w.payload()
}

func decodePairFin(payload []byte) (*PairFin, error) {
	r := newReader(payload)
	m := &PairFin{Fingerprint: r.fingerprint()}
	return m, r.done()
}

// Offer announces a transfer on a fresh transfer stream.
type Offer struct {
	TransferID string
	TotalSize  uint64
	ChunkSize  uint32
	// Hash is empty when the sender defers hashing to FIN.
	Hash     string
	FileName string
}

func (m *Offer) encode() ([]byte, error) {
	var w writer
	w.hex(m.TransferID, idLen, "transfer id")
	w.u64(m.TotalSize)
	w.u32(m.ChunkSize)
	if m.Hash != "" {
		w.u8(1)
		w.hex(m.Hash, fingerprintLen, "content hash")
	} else {
		w.u8(0)
	}
	w.str16(m.FileName)
	return w.payload()
}

func decodeOffer(payload []byte) (*Offer, error) {
	r := newReader(payload)
	m := &Offer{
		TransferID: r.id(),
		TotalSize:  r.u64(),
		ChunkSize:  r.u32(),
	}
	if r.u8() == 1 {
		m.Hash = r.fingerprint()
	}
	m.FileName = r.str16()
	return m, r.done()
}

// Accept accepts an offer, quoting the receiver's durable offset.
type Accept struct {
	ResumeOffset uint64
}

func (m *Accept) encode() ([]byte, error) {
	var w writer
	w.u64(m.ResumeOffset)
	return w.payload()
}

func decodeAccept(payload []byte) (*Accept, error) {
	r := newReader(payload)
	m := &Accept{ResumeOffset: r.u64()}
	return m, r.done()
}

// Reject declines an offer.
type Reject struct {
	Reason string
}

func (m *Reject) encode() ([]byte, error) {
	var w writer
	w.str16(m.Reason)
	return w.payload()
}

func decodeReject(payload []byte) (*Reject, error) {
	r := newReader(payload)
	m := &Reject{Reason: r.str16()}
	return m, r.done()
}

// Chunk carries one bounded run of transfer bytes.
type Chunk struct {
	Seq  uint64
	Data []byte
}

func (m *Chunk) encode() ([]byte, error) {
	var w writer
	w.u64(m.Seq)
	w.bytes(m.Data)
	return w.payload()
}

func decodeChunk(payload []byte) (*Chunk, error) {
	r := newReader(payload)
	m := &Chunk{Seq: r.u64(), Data: r.rest()}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// ResumeAt re-advertises the receiver's durable offset after a pause.
type ResumeAt struct {
	Offset uint64
}

func (m *ResumeAt) encode() ([]byte, error) {
	var w writer
	w.u64(m.Offset)
	return w.payload()
}

func decodeResumeAt(payload []byte) (*ResumeAt, error) {
	r := newReader(payload)
	m := &ResumeAt{Offset: r.u64()}
	return m, r.done()
}

// Fin ends the sender's chunk run with the content hash.
type Fin struct {
	Hash string
}

func (m *Fin) encode() ([]byte, error) {
	var w writer
	w.hex(m.Hash, fingerprintLen, "content hash")
	return w.payload()
}

func decodeFin(payload []byte) (*Fin, error) {
	r := newReader(payload)
	m := &Fin{Hash: r.fingerprint()}
	return m, r.done()
}

// Done is the receiver's verdict on the completed transfer.
type Done struct {
	OK     bool
	Reason string
}

func (m *Done) encode() ([]byte, error) {
	var w writer
	if m.OK {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.str16(m.Reason)
	return w.payload()
}

func decodeDone(payload []byte) (*Done, error) {
	r := newReader(payload)
	m := &Done{}
	m.OK = r.u8() == 1
	m.Reason = r.str16()
	return m, r.done()
}

// HistReq asks for history rows updated since the given timestamp.
type HistReq struct {
	SinceTS uint64
	Cursor  string
}

func (m *HistReq) encode() ([]byte, error) {
	var w writer
	w.u64(m.SinceTS)
	w.str16(m.Cursor)
	return w.payload()
}

func decodeHistReq(payload []byte) (*HistReq, error) {
	r := newReader(payload)
	m := &HistReq{SinceTS: r.u64(), Cursor: r.str16()}
	return m, r.done()
}

// HistPage returns one page of history rows. An empty NextCursor ends
// the exchange.
type HistPage struct {
	Rows       []*store.TransferRecord
	NextCursor string
}

func (m *HistPage) encode() ([]byte, error) {
	if len(m.Rows) > 0xffff {
		return nil, fmt.Errorf("cannot encode history page of %d rows", len(m.Rows))
	}
	var w writer
	w.u16(uint16(len(m.Rows)))
	for _, row := range m.Rows {
		encodeTransferRow(&w, row)
	}
	w.str16(m.NextCursor)
	return w.payload()
}

func decodeHistPage(payload []byte) (*HistPage, error) {
	r := newReader(payload)
	count := int(r.u16())
	m := &HistPage{}
	for i := 0; i < count; i++ {
		row := decodeTransferRow(r)
		if r.err != nil {
			return nil, r.err
		}
		m.Rows = append(m.Rows, row)
	}
	m.NextCursor = r.str16()
	return m, r.done()
}

// Row serialization follows the transfer record's field order, with
// length-prefixed strings.
func encodeTransferRow(w *writer, t *store.TransferRecord) {
	w.hex(t.TransferID, idLen, "transfer id")
	w.hex(t.DeviceID, idLen, "device id")
	w.str16(t.DeviceName)
	w.str16(t.FileName)
	w.str16(t.FilePath)
	w.u64(uint64(t.TotalSize))
	w.str16(string(t.Direction))
	w.str16(string(t.Status))
	w.u64(uint64(t.BytesTransferred))
	w.str16(t.FileHash)
	w.u64(uint64(t.CreatedAt))
	w.u64(uint64(t.UpdatedAt))
}

func decodeTransferRow(r *reader) *store.TransferRecord {
	return &store.TransferRecord{
		TransferID:       r.id(),
		DeviceID:         r.id(),
		DeviceName:       r.str16(),
		FileName:         r.str16(),
		FilePath:         r.str16(),
		TotalSize:        int64(r.u64()),
		Direction:        store.Direction(r.str16()),
		Status:           store.Status(r.str16()),
		BytesTransferred: int64(r.u64()),
		FileHash:         r.str16(),
		CreatedAt:        int64(r.u64()),
		UpdatedAt:        int64(r.u64()),
	}
}

// Message is any decoded frame.
type Message any

// WriteMessage encodes and writes the message as one frame.
func WriteMessage(w io.Writer, msg Message) error {
	var tag byte
	var payload []byte
	var err error
	switch m := msg.(type) {
	case *PairReq:
		tag = TagPairReq
		payload, err = m.encode()
	case *PairAck:
		tag = TagPairAck
		payload, err = m.encode()
	case *PairFin:
		tag = TagPairFin
		payload, err = m.encode()
	case *Offer:
		tag = TagOffer
		payload, err = m.encode()
	case *Accept:
		tag = TagAccept
		payload, err = m.encode()
	case *Reject:
		tag = TagReject
		payload, err = m.encode()
	case *Chunk:
		tag = TagChunk
		payload, err = m.encode()
	case *ResumeAt:
		tag = TagResumeAt
		payload, err = m.encode()
	case *Fin:
		tag = TagFin
		payload, err = m.encode()
	case *Done:
		tag = TagDone
		payload, err = m.encode()
	case *HistReq:
		tag = TagHistReq
		payload, err = m.encode()
	case *HistPage:
		tag = TagHistPage
		payload, err = m.encode()
	default:
		return fmt.Errorf("cannot encode message of type %T", msg)
	}
	if err != nil {
		return err
	}
	return WriteFrame(w, tag, payload)
}

// ReadMessage reads and decodes one frame.
func ReadMessage(r io.Reader) (Message, error) {
	tag, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagPairReq:
		return decodePairReq(payload)
	case TagPairAck:
		return decodePairAck(payload)
	case TagPairFin:
		return decodePairFin(payload)
	case TagOffer:
		return decodeOffer(payload)
	case TagAccept:
		return decodeAccept(payload)
	case TagReject:
		return decodeReject(payload)
	case TagChunk:
		return decodeChunk(payload)
	case TagResumeAt:
		return decodeResumeAt(payload)
	case TagFin:
		return decodeFin(payload)
	case TagDone:
		return decodeDone(payload)
	case TagHistReq:
		return decodeHistReq(payload)
	case TagHistPage:
		return decodeHistPage(payload)
	}
	return nil, fmt.Errorf("%w: unknown frame tag 0x%02x", ErrProtocol, tag)
}
