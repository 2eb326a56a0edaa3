package ws

// Unmask returns a new buffer holding payload XORed with the 4-byte mask key,
// output[i] = payload[i] ^ key[i%4]. The input is not modified. Applying
// Unmask twice with the same key yields the original bytes.
func Unmask(payload []byte, key [4]byte) []byte {
	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ key[i&3]
	}
	return out
}
