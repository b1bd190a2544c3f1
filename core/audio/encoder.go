package audio

import (
	"encoding/base64"
	"fmt"
)

// Encode renders a chunk's samples as standard base64 for the wire.
func Encode(c Chunk) string {
	return base64.StdEncoding.EncodeToString(c.data)
}

func EncodeBytes(audio []byte) string {
	return base64.StdEncoding.EncodeToString(audio)
}

// Decode reverses [Encode].
func Decode(encoded string) ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}
	return audio, nil
}
