package checkpoint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// signer computes HMAC-SHA256 integrity tags over a checkpoint's task ID
// and opaque state payload, so a resumed task can trust that its saved
// state was written by this installation and not tampered with on disk.
type signer struct {
	key []byte
}

func newSigner(key []byte) *signer {
	if len(key) == 0 {
		return nil
	}
	return &signer{key: key}
}

func (s *signer) tag(taskID string, state []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(taskID))
	mac.Write([]byte{0})
	mac.Write(state)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *signer) verify(taskID string, state []byte, tag string) bool {
	if tag == "" {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(tag)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(taskID))
	mac.Write([]byte{0})
	mac.Write(state)
	return hmac.Equal(mac.Sum(nil), want)
}
