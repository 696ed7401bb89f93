// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

package proto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"net"

	"github.com/pkg/errors"
)

func init() {
	// Every concrete payload type must be registered so gob can decode
	// into Envelope.Payload's interface{} field, mirroring the pattern
	// the corpus uses for gob-encoded command unions.
	gob.Register(StatusReq{})
	gob.Register(StatusResp{})
	gob.Register(AddReq{})
	gob.Register(AddResp{})
	gob.Register(MigrateReq{})
	gob.Register(MigrateResp{})
	gob.Register(RecallReq{})
	gob.Register(RecallResp{})
	gob.Register(SendObjectsReq{})
	gob.Register(SendObjectsResp{})
	gob.Register(ReqStatusReq{})
	gob.Register(ReqStatusResp{})
	gob.Register(InfoReq{})
	gob.Register(InfoRequestsResp{})
	gob.Register(InfoJobsResp{})
	gob.Register(InfoDrivesResp{})
	gob.Register(InfoTapesResp{})
	gob.Register(InfoPoolsResp{})
	gob.Register(PoolReq{})
	gob.Register(PoolResp{})
	gob.Register(RetrieveReq{})
	gob.Register(RetrieveResp{})
	gob.Register(StopReq{})
	gob.Register(StopResp{})
}

// Codec is a length-prefixed gob framing over one net.Conn, simplified
// from the teacher's bulkGobCodec: every session message here is small and
// self-contained, so there's no separate bulk-data section or checksum,
// just a 4-byte big-endian length prefix around each gob-encoded Envelope.
type Codec struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewCodec wraps conn for Envelope send/receive.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

// Send gob-encodes env and writes it length-prefixed.
func (c *Codec) Send(env *Envelope) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return errors.Wrap(err, "proto: encoding envelope")
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := c.w.Write(lenPrefix[:]); err != nil {
		return errors.Wrap(err, "proto: writing length prefix")
	}
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "proto: writing envelope")
	}
	return c.w.Flush()
}

// Recv reads and gob-decodes the next Envelope.
func (c *Codec) Recv() (*Envelope, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(c.r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, errors.Wrap(err, "proto: reading envelope body")
	}
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return nil, errors.Wrap(err, "proto: decoding envelope")
	}
	return &env, nil
}

// Close closes the underlying connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
