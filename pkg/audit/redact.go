package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

var sensitiveMetadataKeys = map[string]struct{}{
	"ip":        {},
	"username":  {},
	"user":      {},
	"device_id": {},
	"owner":     {},
}

func redactEvent(e Event, salt []byte) Event {
	if e.ActorIP != "" {
		e.ActorIP = hashString(e.ActorIP, salt)
	}
	if len(e.Metadata) == 0 {
		return e
	}
	meta := make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		if _, ok := sensitiveMetadataKeys[k]; ok {
			if s, isString := v.(string); isString {
				meta[k+"_hash"] = hashString(s, salt)
				continue
			}
		}
		meta[k] = v
	}
	e.Metadata = meta
	return e
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
