package memory

import "sync"

// TransferKey identifies a relayed transfer by the handles of both ends.
type TransferKey struct {
	Sender    string
	Recipient string
	Filename  string
}

type transferState struct {
	accepted bool
}

// Transfers tracks offer/accept state of chunk-relayed files. No file bytes
// are held here.
type Transfers struct {
	mx *sync.Mutex
	db map[TransferKey]*transferState
}

func NewTransfers() *Transfers {
	return &Transfers{
		mx: &sync.Mutex{},
		db: make(map[TransferKey]*transferState),
	}
}

// Offer records a pending transfer. A repeated offer resets it.
func (t *Transfers) Offer(key TransferKey) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.db[key] = &transferState{}
}

// Accept marks a pending offer as accepted.
func (t *Transfers) Accept(key TransferKey) bool {
	t.mx.Lock()
	defer t.mx.Unlock()

	st, ok := t.db[key]
	if !ok {
		return false
	}
	st.accepted = true
	return true
}

// Accepted reports whether chunks may flow for key.
func (t *Transfers) Accepted(key TransferKey) bool {
	t.mx.Lock()
	defer t.mx.Unlock()

	st, ok := t.db[key]
	return ok && st.accepted
}

// Remove forgets a transfer and reports whether it existed.
func (t *Transfers) Remove(key TransferKey) bool {
	t.mx.Lock()
	defer t.mx.Unlock()

	if _, ok := t.db[key]; !ok {
		return false
	}
	delete(t.db, key)
	return true
}

// DropPeer forgets every transfer that involves handle.
func (t *Transfers) DropPeer(handle string) int {
	t.mx.Lock()
	defer t.mx.Unlock()

	var n int
	for key := range t.db {
		if key.Sender == handle || key.Recipient == handle {
			delete(t.db, key)
			n++
		}
	}
	return n
}

func (t *Transfers) Len() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return len(t.db)
}
