package server

import (
	"crypto/rand"
	"encoding/json"

	"github.com/google/uuid"
)

// inviteAlphabet avoids look-alike characters so codes survive being read
// out loud.
const inviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newInviteCode returns a short shareable room id for private challenges.
// Public challenges use a uuid instead; these only need to be unguessable
// enough for an invite link.
func newInviteCode() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	for i := range b {
		b[i] = inviteAlphabet[int(b[i])%len(inviteAlphabet)]
	}
	return string(b)
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
