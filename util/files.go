// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package util

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// ReadPayloadFile returns the hex encoded payloads in a file.  A text file
// holds one hex payload per line and blank lines are ignored.  Any other
// file is treated as a single binary payload.
func ReadPayloadFile(filename string) ([]string, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(b) {
		return []string{hex.EncodeToString(b)}, nil
	}

	var payloads []string
	s := bufio.NewScanner(bytes.NewReader(b))
	s.Buffer(make([]byte, 0, 64*1024), len(b)+1)
	for line := 1; s.Scan(); line++ {
		p := strings.TrimPrefix(strings.TrimSpace(s.Text()), "0x")
		if p == "" {
			continue
		}
		if _, err := hex.DecodeString(p); err != nil {
			return nil, fmt.Errorf("%v:%v: %v", filename, line, err)
		}
		payloads = append(payloads, p)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%v: no payloads", filename)
	}
	return payloads, nil
}
