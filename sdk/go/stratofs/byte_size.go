// Copyright (C) The Stratofs Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package stratofs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is an int64 that can be given as "1MiB" or "4 GiB" in
// JSON/YAML as well as a bare number of bytes. It marshals as a bare
// number of bytes.
type ByteSize int64

var prefixValue = map[string]int64{
	"":   1,
	"K":  1000,
	"Ki": 1 << 10,
	"M":  1000000,
	"Mi": 1 << 20,
	"G":  1000000000,
	"Gi": 1 << 30,
	"T":  1000000000000,
	"Ti": 1 << 40,
	"P":  1000000000000000,
	"Pi": 1 << 50,
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		var i int64
		err := json.Unmarshal(data, &i)
		if err != nil {
			return err
		}
		*n = ByteSize(i)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	split := strings.LastIndexAny(s, "0123456789.") + 1
	if split == 0 {
		return fmt.Errorf("invalid byte size %q", s)
	}
	val, err := strconv.ParseFloat(s[:split], 64)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %v", s, err)
	}
	// Accept "1Ki" as well as "1KiB".
	prefix := strings.TrimSuffix(strings.TrimSpace(s[split:]), "B")
	mult, ok := prefixValue[prefix]
	if !ok {
		return fmt.Errorf("invalid byte size %q", s)
	}
	if val < 0 {
		return fmt.Errorf("invalid byte size %q: must not be negative", s)
	}
	*n = ByteSize(val * float64(mult))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(n))
}
