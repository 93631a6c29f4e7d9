package rlconfig

import (
	"encoding/json"
	"fmt"
)

// Bytes is a byte slice that unmarshals from either a JSON string (taken as
// raw ASCII/UTF-8 bytes, not base64) or a JSON array of numbers, per
// spec.md §6's "auth: string | array<u8>" and "separator: string |
// array<u8>" config fields.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(b))
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("bytes: %w", err)
		}
		*b = Bytes(s)
		return nil
	}
	var nums []byte
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("bytes: %w", err)
	}
	*b = Bytes(nums)
	return nil
}
