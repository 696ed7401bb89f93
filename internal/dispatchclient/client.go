// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package dispatchclient is the ltfsdm CLI's side of the wire protocol: it
// dials the daemon, negotiates a session key, and exposes one method per
// request kind.
package dispatchclient

import (
	"net"

	"github.com/pkg/errors"

	"github.com/ltfsdm/ltfsdmd/internal/proto"
)

// Client is a connection to the ltfsdmd daemon.
type Client struct {
	conn       net.Conn
	cdc        *proto.Codec
	sessionKey int64
	pid        int
}

// Dial connects to addr over TCP and performs the status handshake to
// obtain a session key.
func Dial(addr string) (*Client, error) {
	return DialNetwork("tcp", addr)
}

// DialNetwork is Dial with an explicit network ("tcp" or "unix"), for
// talking to a daemon configured with config.Config.Network = "unix".
func DialNetwork(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, errors.Wrap(err, "dispatchclient: dial")
	}
	c := &Client{conn: conn, cdc: proto.NewCodec(conn)}
	if err := c.cdc.Send(&proto.Envelope{Kind: proto.KindStatusReq, Payload: proto.StatusReq{}}); err != nil {
		conn.Close()
		return nil, err
	}
	env, err := c.cdc.Recv()
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp := env.Payload.(proto.StatusResp)
	c.sessionKey = resp.SessionKey
	c.pid = resp.Pid
	return c, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.cdc.Close() }

func (c *Client) call(kind proto.Kind, payload interface{}) (*proto.Envelope, error) {
	if err := c.cdc.Send(&proto.Envelope{Kind: kind, SessionKey: c.sessionKey, Payload: payload}); err != nil {
		return nil, err
	}
	return c.cdc.Recv()
}

// Add registers a managed filesystem.
func (c *Client) Add(fsName string) (proto.AddResp, error) {
	env, err := c.call(proto.KindAddReq, proto.AddReq{FsName: fsName})
	if err != nil {
		return proto.AddResp{}, err
	}
	return env.Payload.(proto.AddResp), nil
}

// Migrate starts a migration request against the given pools.
func (c *Client) Migrate(pools []string) (proto.MigrateResp, error) {
	env, err := c.call(proto.KindMigrateReq, proto.MigrateReq{Pools: pools})
	if err != nil {
		return proto.MigrateResp{}, err
	}
	return env.Payload.(proto.MigrateResp), nil
}

// Recall starts a selective recall request.
func (c *Client) Recall(resident bool) (proto.RecallResp, error) {
	env, err := c.call(proto.KindRecallReq, proto.RecallReq{Resident: resident})
	if err != nil {
		return proto.RecallResp{}, err
	}
	return env.Payload.(proto.RecallResp), nil
}

// SendObjects streams filenames for reqNum, terminating the batch with an
// empty filename, and returns the final (terminating) acknowledgement.
func (c *Client) SendObjects(reqNum int64, files []string) (proto.SendObjectsResp, error) {
	var last proto.SendObjectsResp
	for _, f := range append(append([]string(nil), files...), "") {
		env, err := c.call(proto.KindSendObjectsReq, proto.SendObjectsReq{ReqNum: reqNum, FileName: f})
		if err != nil {
			return last, err
		}
		last = env.Payload.(proto.SendObjectsResp)
	}
	return last, nil
}

// ReqStatus polls reqNum's progress once (callers loop until Done).
func (c *Client) ReqStatus(reqNum int64) (proto.ReqStatusResp, error) {
	env, err := c.call(proto.KindReqStatusReq, proto.ReqStatusReq{ReqNum: reqNum})
	if err != nil {
		return proto.ReqStatusResp{}, err
	}
	return env.Payload.(proto.ReqStatusResp), nil
}

// InfoRequests lists every queued/in-progress request.
func (c *Client) InfoRequests() (proto.InfoRequestsResp, error) {
	env, err := c.call(proto.KindInfoReq, proto.InfoReq{What: "requests"})
	if err != nil {
		return proto.InfoRequestsResp{}, err
	}
	return env.Payload.(proto.InfoRequestsResp), nil
}

// InfoJobs lists reqNum's job rows.
func (c *Client) InfoJobs(reqNum int64) (proto.InfoJobsResp, error) {
	env, err := c.call(proto.KindInfoReq, proto.InfoReq{What: "jobs", ReqNum: reqNum})
	if err != nil {
		return proto.InfoJobsResp{}, err
	}
	return env.Payload.(proto.InfoJobsResp), nil
}

// InfoDrives lists every known drive.
func (c *Client) InfoDrives() (proto.InfoDrivesResp, error) {
	env, err := c.call(proto.KindInfoReq, proto.InfoReq{What: "drives"})
	if err != nil {
		return proto.InfoDrivesResp{}, err
	}
	return env.Payload.(proto.InfoDrivesResp), nil
}

// InfoTapes lists cartridges, optionally scoped to one pool.
func (c *Client) InfoTapes(pool string) (proto.InfoTapesResp, error) {
	env, err := c.call(proto.KindInfoReq, proto.InfoReq{What: "tapes", Pool: pool})
	if err != nil {
		return proto.InfoTapesResp{}, err
	}
	return env.Payload.(proto.InfoTapesResp), nil
}

// InfoPools lists every pool and its member tapes.
func (c *Client) InfoPools() (proto.InfoPoolsResp, error) {
	env, err := c.call(proto.KindInfoReq, proto.InfoReq{What: "pools"})
	if err != nil {
		return proto.InfoPoolsResp{}, err
	}
	return env.Payload.(proto.InfoPoolsResp), nil
}

// Pool performs a pool management action ("create", "delete", "add", "remove").
func (c *Client) Pool(action, pool, tapeID string) (proto.PoolResp, error) {
	env, err := c.call(proto.KindPoolReq, proto.PoolReq{Action: action, Pool: pool, TapeID: tapeID})
	if err != nil {
		return proto.PoolResp{}, err
	}
	return env.Payload.(proto.PoolResp), nil
}

// Retrieve re-submits a request's failed files as a fresh recall.
func (c *Client) Retrieve(reqNum int64) (proto.RetrieveResp, error) {
	env, err := c.call(proto.KindRetrieveReq, proto.RetrieveReq{ReqNum: reqNum})
	if err != nil {
		return proto.RetrieveResp{}, err
	}
	return env.Payload.(proto.RetrieveResp), nil
}

// Stop requests shutdown and polls until the daemon confirms it has
// drained every in-progress request.
func (c *Client) Stop(forced, finish bool) (proto.StopResp, error) {
	var last proto.StopResp
	req := proto.StopReq{Forced: forced, Finish: finish}
	for {
		env, err := c.call(proto.KindStopReq, req)
		if err != nil {
			return last, err
		}
		last = env.Payload.(proto.StopResp)
		if last.Success {
			return last, nil
		}
	}
}
