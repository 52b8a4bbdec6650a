// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"git.stratofs.org/stratofs.git/sdk/go/stratofs"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// ErrAlreadyRunning means another balancer holds the exclusive lock
// on the name service.
var ErrAlreadyRunning = errors.New("another balancer is running")

// balancerLockPath is the well-known path under which the name
// service registers the one running balancer.
const balancerLockPath = "/system/balancer.id"

// maxNotChangedIterations is how many consecutive iterations may move
// zero bytes before the name service tells the balancer to give up.
const maxNotChangedIterations = 5

// NameService is the metadata authority for one block pool, as seen
// by the balancer.
type NameService interface {
	// DatanodeStorageReports returns the current reports of all
	// live storage nodes.
	DatanodeStorageReports(ctx context.Context) ([]stratofs.NodeStorageReport, error)
	// Blocks returns up to size bytes worth of block descriptors
	// residing on the given node.
	Blocks(ctx context.Context, nodeUUID string, size int64) ([]stratofs.BlockWithLocations, error)
	BlockPoolID() string
	KeyManager() KeyManager
	// ShouldContinue is told how many bytes the last iteration
	// moved, and reports whether balancing is making progress.
	ShouldContinue(bytesMoved int64) bool
	// Close releases the exclusive balancer lock.
	Close() error
}

// Connector is the HTTP NameService adapter. Dialing acquires the
// exclusive balancer lock; Close releases it.
type Connector struct {
	Logger logrus.FieldLogger

	baseURL    string
	authToken  string
	client     *retryablehttp.Client
	poolID     string
	lockID     string
	keyManager KeyManager
	notChanged int
	closed     bool
}

// DialNameService connects to the name service at baseURL, acquires
// the exclusive balancer lock, and fetches the block access key.
func DialNameService(ctx context.Context, baseURL, authToken string, logger logrus.FieldLogger) (*Connector, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	c := &Connector{
		Logger:    logger,
		baseURL:   baseURL,
		authToken: authToken,
		client:    client,
	}
	var pool struct{ BlockPoolID string }
	if err := c.do(ctx, "GET", "/v1/blockpool", nil, &pool); err != nil {
		return nil, fmt.Errorf("%s: get block pool: %v", baseURL, err)
	}
	c.poolID = pool.BlockPoolID
	var lock struct{ LockID string }
	err := c.do(ctx, "POST", "/v1/balancer/lock", map[string]string{"path": balancerLockPath}, &lock)
	var se httpStatusError
	if errors.As(err, &se) && se.code == http.StatusConflict {
		return nil, fmt.Errorf("%s: %w", baseURL, ErrAlreadyRunning)
	} else if err != nil {
		return nil, fmt.Errorf("%s: acquire balancer lock: %v", baseURL, err)
	}
	c.lockID = lock.LockID
	var key struct {
		Key      string
		TokenTTL stratofs.Duration
	}
	if err := c.do(ctx, "GET", "/v1/balancer/blockkey", nil, &key); err != nil {
		c.Close()
		return nil, fmt.Errorf("%s: get block key: %v", baseURL, err)
	}
	rawkey, err := base64.StdEncoding.DecodeString(key.Key)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%s: decode block key: %v", baseURL, err)
	}
	c.keyManager, err = newAccessTokenManager(rawkey, key.TokenTTL.Duration())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%s: init key manager: %v", baseURL, err)
	}
	return c, nil
}

// DatanodeStorageReports implements NameService.
func (c *Connector) DatanodeStorageReports(ctx context.Context) ([]stratofs.NodeStorageReport, error) {
	var reports []stratofs.NodeStorageReport
	err := c.do(ctx, "GET", "/v1/nodes?state=live", nil, &reports)
	return reports, err
}

// Blocks implements NameService.
func (c *Connector) Blocks(ctx context.Context, nodeUUID string, size int64) ([]stratofs.BlockWithLocations, error) {
	var blocks []stratofs.BlockWithLocations
	path := fmt.Sprintf("/v1/nodes/%s/blocks?maxsize=%d", url.PathEscape(nodeUUID), size)
	err := c.do(ctx, "GET", path, nil, &blocks)
	return blocks, err
}

// BlockPoolID implements NameService.
func (c *Connector) BlockPoolID() string { return c.poolID }

// KeyManager implements NameService.
func (c *Connector) KeyManager() KeyManager { return c.keyManager }

// ShouldContinue implements NameService.
func (c *Connector) ShouldContinue(bytesMoved int64) bool {
	if bytesMoved > 0 {
		c.notChanged = 0
		return true
	}
	c.notChanged++
	if c.notChanged < maxNotChangedIterations {
		return true
	}
	if c.Logger != nil {
		c.Logger.Warnf("%s: no block has been moved for %d iterations", c.baseURL, c.notChanged)
	}
	return false
}

// Close implements NameService.
func (c *Connector) Close() error {
	if c.closed || c.lockID == "" {
		return nil
	}
	c.closed = true
	return c.do(context.Background(), "DELETE", "/v1/balancer/lock/"+url.PathEscape(c.lockID), nil, nil)
}

type httpStatusError struct {
	code int
	body string
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("request failed: %d %s: %s", e.code, http.StatusText(e.code), e.body)
}

func (c *Connector) do(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := retryablehttp.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return httpStatusError{code: resp.StatusCode, body: string(bytes.TrimSpace(buf))}
	}
	if respBody == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}
