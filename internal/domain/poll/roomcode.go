package poll

import "crypto/rand"

// codeAlphabet excludes glyphs that read ambiguously on a projector:
// I, L, O, 0 and 1.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 6

// NewRoomCode returns a 6-character human-shareable room code.
func NewRoomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
