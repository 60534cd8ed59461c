package linkup

import (
	"crypto/rand"
	"sync"
	"time"
)

// pushAlphabet is ordered by ASCII so ids sort lexicographically by time.
const pushAlphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

// PushIDLength is the length of every generated push id.
const PushIDLength = 20

// PushIDGenerator generates 20 character, chronologically sortable ids: 8
// characters of millisecond timestamp followed by 12 random characters. Ids
// generated within the same millisecond increment the random part, so they stay
// strictly increasing.
type PushIDGenerator struct {
	mu       sync.Mutex
	now      func() time.Time
	lastTime int64
	lastRand [12]byte
}

// NewPushIDGenerator creates a generator using the wall clock.
func NewPushIDGenerator() *PushIDGenerator {
	return &PushIDGenerator{now: time.Now}
}

// Next returns a new id.
func (g *PushIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UnixMilli()
	if ts < g.lastTime {
		// clock went backwards; keep ordering by reusing the last timestamp
		ts = g.lastTime
	}
	if ts == g.lastTime {
		g.increment()
	} else {
		var buf [12]byte
		if _, err := rand.Read(buf[:]); err != nil {
			panic("linkup: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			g.lastRand[i] = buf[i] & 63
		}
		g.lastTime = ts
	}

	var id [PushIDLength]byte
	t := g.lastTime
	for i := 7; i >= 0; i-- {
		id[i] = pushAlphabet[t%64]
		t /= 64
	}
	for i := 0; i < 12; i++ {
		id[8+i] = pushAlphabet[g.lastRand[i]]
	}
	return string(id[:])
}

func (g *PushIDGenerator) increment() {
	i := len(g.lastRand) - 1
	for ; i >= 0 && g.lastRand[i] == 63; i-- {
		g.lastRand[i] = 0
	}
	if i >= 0 {
		g.lastRand[i]++
		return
	}
	// random part overflowed; move to the next millisecond
	g.lastTime++
}
