package wire

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/ikecore/charon/internal/ikeerr"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/suite"
)

// ErrFragment signals that a fragment was buffered successfully but the
// message it belongs to is not complete yet; callers should not treat it
// as a parse failure.
var ErrFragment = ikeerr.New(ikeerr.KindParse, nil, "fragment buffered, message incomplete")

type fragKey struct {
	spiI, spiR proto.Spi
	messageID  uint32
}

type fragEntry struct {
	total     int
	firstType proto.PayloadType
	parts     map[int][]byte
	lastSeen  time.Time
}

// Reassembler buffers SKF fragments per (SPI pair, message ID) until every
// fragment of a message has arrived, then returns the reassembled inner
// payload chain. Entries idle past maxAge are evicted on the next Add
// (maxAge <= 0 disables this). The number of buffered messages is not
// capped, and an entry is not dropped when the message-id moves past it.
type Reassembler struct {
	mu      sync.Mutex
	entries map[fragKey]*fragEntry
	maxAge  time.Duration
}

func NewReassembler(maxAge time.Duration) *Reassembler {
	return &Reassembler{entries: make(map[fragKey]*fragEntry), maxAge: maxAge}
}

// Add decrypts one SKF fragment and folds it into its message's entry. It
// returns complete=true together with the reassembled plaintext once every
// fragment from 1..total has arrived.
func (r *Reassembler) Add(hdr Header, full []byte, skfOffset int, s *suite.Suite, encKey, integKey []byte) (complete bool, firstInner proto.PayloadType, clear []byte, err error) {
	body := full[skfOffset:]
	if len(body) < 4 {
		return false, 0, nil, ikeerr.ErrShortPacket
	}
	fragNum := int(binary.BigEndian.Uint16(body[0:2]))
	total := int(binary.BigEndian.Uint16(body[2:4]))
	if fragNum < 1 || total < 1 || fragNum > total {
		return false, 0, nil, ikeerr.ErrUnexpectedSyntax
	}

	part, derr := DecryptSK(full, skfOffset+4, s, encKey, integKey)
	if derr != nil {
		return false, 0, nil, derr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()

	key := fragKey{spiI: hdr.SpiI, spiR: hdr.SpiR, messageID: hdr.MessageID}
	e, ok := r.entries[key]
	if !ok {
		e = &fragEntry{total: total, parts: make(map[int][]byte)}
		r.entries[key] = e
	}
	if fragNum == 1 {
		// only the first fragment's generic header names the reassembled
		// message's first inner payload type, per RFC 7383 §2.5.
		gh, gerr := decodeGenericHeader(full[proto.IKEHeaderLen:])
		if gerr != nil {
			return false, 0, nil, gerr
		}
		e.firstType = gh.NextPayload
	}
	e.parts[fragNum] = part
	e.lastSeen = time.Now()

	if len(e.parts) < e.total {
		return false, 0, nil, nil
	}
	for i := 1; i <= e.total; i++ {
		piece, have := e.parts[i]
		if !have {
			return false, 0, nil, nil
		}
		clear = append(clear, piece...)
	}
	delete(r.entries, key)
	return true, e.firstType, clear, nil
}

// evictLocked drops entries that have not received a fragment in maxAge;
// callers must hold r.mu.
func (r *Reassembler) evictLocked() {
	if r.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.maxAge)
	for k, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			delete(r.entries, k)
		}
	}
}
