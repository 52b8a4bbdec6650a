// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"time"

	"git.stratofs.org/stratofs.git/sdk/go/stratofs"
	jose "gopkg.in/go-jose/go-jose.v2"
)

// KeyManager issues short-lived access tokens authorizing block
// transfers.
type KeyManager interface {
	AccessToken(b stratofs.BlockID) (stratofs.AccessToken, error)
}

// accessTokenManager signs per-block claims with the cluster block
// key (HS256 JWS). Storage nodes hold the same key and verify the
// token on the receiving side of a transfer.
type accessTokenManager struct {
	signer jose.Signer
	ttl    time.Duration
}

func newAccessTokenManager(key []byte, ttl time.Duration) (*accessTokenManager, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("empty block access key")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, nil)
	if err != nil {
		return nil, err
	}
	return &accessTokenManager{signer: signer, ttl: ttl}, nil
}

func (km *accessTokenManager) AccessToken(b stratofs.BlockID) (stratofs.AccessToken, error) {
	claims, err := json.Marshal(map[string]interface{}{
		"blk": b.String(),
		"op":  "REPLACE_BLOCK",
		"exp": time.Now().Add(km.ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	jws, err := km.signer.Sign(claims)
	if err != nil {
		return "", err
	}
	token, err := jws.CompactSerialize()
	if err != nil {
		return "", err
	}
	return stratofs.AccessToken(token), nil
}
