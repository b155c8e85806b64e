// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timestamp decodes token_expires_at from either an RFC 3339 string or a
// Unix epoch number. Numbers above 1e12 are taken as milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		t.Time = time.Time{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("token_expires_at: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, unquoted); err == nil {
			t.Time = parsed
			return nil
		}
		raw = unquoted
	}
	num, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("token_expires_at: unsupported value %s", string(data))
	}
	if num > 1e12 {
		t.Time = time.UnixMilli(int64(num)).UTC()
	} else {
		t.Time = time.Unix(int64(num), 0).UTC()
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.Time.UTC().Format(time.RFC3339Nano))), nil
}
