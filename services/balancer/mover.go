// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"git.stratofs.org/stratofs.git/sdk/go/stratofs"
)

// delayAfterError is how long a proxy or target node is benched after
// a failed transfer.
const delayAfterError = 10 * time.Second

const transferConnectTimeout = time.Minute

// maxFrameSize bounds a response frame; anything bigger means the
// peer is not speaking our protocol.
const maxFrameSize = 1 << 20

const (
	statusSuccess          = "SUCCESS"
	statusError            = "ERROR"
	statusErrorAccessToken = "ERROR_ACCESS_TOKEN"
)

// replaceBlockRequest asks a target node to copy one block replica
// from the proxy node, replacing the source replica in the name
// service's eyes once the target reports the new copy.
type replaceBlockRequest struct {
	Op          string               `json:"op"`
	Block       stratofs.BlockID     `json:"block"`
	NumBytes    int64                `json:"numBytes"`
	StorageType stratofs.StorageType `json:"storageType"`
	AccessToken stratofs.AccessToken `json:"accessToken"`
	SourceUUID  string               `json:"sourceUuid"`
	ProxyUUID   string               `json:"proxyUuid"`
	ProxyAddr   string               `json:"proxyAddr"`
}

type blockOpResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// writeFrame sends v as a length-prefixed JSON frame.
func writeFrame(w io.Writer, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(buf)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// readFrame reads one length-prefixed JSON frame into v.
func readFrame(r io.Reader, v interface{}) error {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}

// TransferAuth wraps a transfer connection in whatever negotiated
// stream the cluster security config requires. A nil TransferAuth
// leaves the connection in the clear.
type TransferAuth interface {
	Wrap(conn net.Conn, token stratofs.AccessToken, target stratofs.NodeInfo) (net.Conn, error)
}

// scheduleBlockMove hands a staged move to the mover pool.
func (bal *Balancer) scheduleBlockMove(ctx context.Context, pm *PendingMove) {
	bal.moverPool.Go(func() {
		bal.Logger.Debugf("start moving %v", pm)
		bal.dispatch(ctx, pm)
	})
}

// dispatch performs one block move and settles its bookkeeping. Both
// pending slots are released whether the transfer worked or not, and
// anybody stuck waiting for progress is woken up.
func (bal *Balancer) dispatch(ctx context.Context, pm *PendingMove) {
	err := bal.moveBlock(ctx, pm)
	if err == nil {
		bal.bytesMoved.Add(pm.block.Length)
		bal.Metrics.blockMoves.WithLabelValues("success").Inc()
		bal.Logger.Infof("successfully moved %v", pm)
	} else {
		bal.Metrics.blockMoves.WithLabelValues("fail").Inc()
		bal.Logger.Warnf("failed to move %v: %v", pm, err)
		// The proxy or target may be struggling; bench both
		// before scheduling more work their way.
		pm.proxy.activateDelay(delayAfterError)
		pm.target.Node.activateDelay(delayAfterError)
		// Wake waiting selectors again once the back-off expires.
		time.AfterFunc(delayAfterError, bal.notifyProgress)
	}
	pm.proxy.removePending(pm)
	pm.target.Node.removePending(pm)
	pm.reset()
	bal.notifyProgress()
}

// moveBlock speaks the transfer peer protocol: connect to the target,
// wrap the socket if the cluster requires it, send REPLACE_BLOCK,
// read the framed response.
func (bal *Balancer) moveBlock(ctx context.Context, pm *PendingMove) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	token, err := bal.ns.KeyManager().AccessToken(pm.block.ID)
	if err != nil {
		return fmt.Errorf("get access token: %v", err)
	}
	dialer := net.Dialer{Timeout: transferConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", pm.target.Node.Info.TransferAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	// There is no good way to tell a transfer that is slow from
	// one that will never finish, so allow a long time before
	// giving up on the peer.
	conn.SetDeadline(time.Now().Add(bal.Config.BlockMoveTimeout.Duration()))
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
	}
	if bal.TransferAuth != nil {
		conn, err = bal.TransferAuth.Wrap(conn, token, pm.target.Node.Info)
		if err != nil {
			return fmt.Errorf("wrap transfer connection: %v", err)
		}
	}
	err = writeFrame(conn, &replaceBlockRequest{
		Op:          "REPLACE_BLOCK",
		Block:       pm.block.ID,
		NumBytes:    pm.block.Length,
		StorageType: stratofs.StorageTypeDefault,
		AccessToken: token,
		SourceUUID:  pm.source.Node.Info.UUID,
		ProxyUUID:   pm.proxy.Info.UUID,
		ProxyAddr:   pm.proxy.Info.TransferAddr,
	})
	if err != nil {
		return err
	}
	var resp blockOpResponse
	if err := readFrame(conn, &resp); err != nil {
		return err
	}
	switch resp.Status {
	case statusSuccess:
		return nil
	case statusErrorAccessToken:
		return fmt.Errorf("block move failed due to access token error")
	default:
		return fmt.Errorf("block move failed: %s", resp.Message)
	}
}
