// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stratofs

import "fmt"

// StorageType identifies a class of storage media on a storage node.
type StorageType string

const (
	StorageTypeDisk    StorageType = "disk"
	StorageTypeSSD     StorageType = "ssd"
	StorageTypeArchive StorageType = "archive"

	// StorageTypeDefault is the type assumed when a request does
	// not say otherwise.
	StorageTypeDefault = StorageTypeDisk
)

// StorageTypes lists all storage types a node can report, in a fixed
// order.
func StorageTypes() []StorageType {
	return []StorageType{StorageTypeDisk, StorageTypeSSD, StorageTypeArchive}
}

// NodeInfo identifies one storage node and its place in the network
// topology.
type NodeInfo struct {
	UUID         string
	Hostname     string
	PeerHostname string
	IPAddr       string
	// TransferAddr is the host:port where the node accepts
	// peer-to-peer block transfer requests.
	TransferAddr string
	Rack         string
	NodeGroup    string

	Decommissioned  bool
	Decommissioning bool
}

// String implements fmt.Stringer.
func (n NodeInfo) String() string {
	return fmt.Sprintf("%s (%s)", n.UUID, n.TransferAddr)
}

// StorageReport is the capacity/usage figure for one storage type on
// one node.
type StorageReport struct {
	Type      StorageType
	Capacity  int64
	Used      int64
	Remaining int64
}

// NodeStorageReport is one node's report as returned by the name
// service.
type NodeStorageReport struct {
	Node    NodeInfo
	Storage []StorageReport
}
