package archiver

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
	"net/url"
	"sort"
	"strings"

	"github.com/baldanca/sqs-archiver/source"
)

var errEmptyID = errors.New("message id is empty")

// KeyFunc derives the relative object key of a message. It must be a pure
// function of the message id and of fields that are stable across
// redeliveries.
type KeyFunc func(msg source.Message) (string, error)

// DefaultKeyFunc returns <id><ext>, or YYYY/MM/DD/HH/<id><ext> from SentAt
// (UTC) when partition is set and SentAt is known.
func DefaultKeyFunc(ext string, partition bool) KeyFunc {
	return func(msg source.Message) (string, error) {
		if msg.ID == "" {
			return "", errEmptyID
		}
		name := url.PathEscape(msg.ID) + ext
		if partition && !msg.SentAt.IsZero() {
			return msg.SentAt.UTC().Format("2006/01/02/15/") + name, nil
		}
		return name, nil
	}
}

// VersionKey is where content conflicting with key is stored:
// <key-without-ext>.v-<digest[:16]><ext>.
func VersionKey(key, ext, digest string) string {
	base := key
	if ext != "" && strings.HasSuffix(key, ext) {
		base = strings.TrimSuffix(key, ext)
	} else {
		ext = ""
	}
	if len(digest) > 16 {
		digest = digest[:16]
	}
	return base + ".v-" + digest + ext
}

// Digest identifies the logical content of a message: id, body and
// attributes. Delivery details (receipt token, receive count) are excluded so
// every redelivery of the same message has the same digest.
func Digest(msg source.Message) string {
	h := sha256.New()
	writeField(h, []byte(msg.ID))
	writeField(h, msg.Body)

	names := make([]string, 0, len(msg.Attributes))
	for k := range msg.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		writeField(h, []byte(k))
		writeField(h, []byte(msg.Attributes[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}
