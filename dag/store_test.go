package dag

import (
	"sync"
	"testing"
	"time"

	"icn-core/ccid"
	"icn-core/crypto"
	"icn-core/identity"
	"icn-core/runtimeerr"
)

type keyDirectory struct {
	mu   sync.Mutex
	keys map[string]*crypto.PublicKey
}

func newKeyDirectory() *keyDirectory {
	return &keyDirectory{keys: make(map[string]*crypto.PublicKey)}
}

func (d *keyDirectory) add(signer identity.Signer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[signer.Principal().String()] = signer.PublicKey()
}

func (d *keyDirectory) PubKeyFor(p identity.Principal) (*crypto.PublicKey, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.keys[p.String()]
	return k, ok
}

func newTestStore(t *testing.T) (Store, identity.Signer) {
	t.Helper()
	signer, err := identity.GenerateMemorySigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	dir := newKeyDirectory()
	dir.add(signer)
	return NewMemStore(dir), signer
}

func TestPutGetRoundTrip(t *testing.T) {
	store, signer := newTestStore(t)
	block, err := NewBlock([]byte("payload"), nil, "scope-a", time.Unix(1_700_000_000, 0), signer)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	cid, err := store.Put(block)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := store.Get(cid)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got.Payload) != "payload" || got.Scope != "scope-a" || !got.Author.Equal(signer.Principal()) {
		t.Fatal("stored block does not round-trip")
	}
}

func TestPutIsIdempotentOnEqualCIDs(t *testing.T) {
	store, signer := newTestStore(t)
	block, err := NewBlock([]byte("payload"), nil, "", time.Unix(1_700_000_000, 0), signer)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	first, err := store.Put(block)
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	second, err := store.Put(block)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if !first.Equal(second) {
		t.Fatal("repeated put must return the same CID")
	}
}

func TestPutRejectsTamperedCID(t *testing.T) {
	store, signer := newTestStore(t)
	block, err := NewBlock([]byte("payload"), nil, "", time.Unix(1_700_000_000, 0), signer)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	block.CID = ccid.Of(ccid.CodecRaw, []byte("something else"))
	_, err = store.Put(block)
	if runtimeerr.KindOf(err) != runtimeerr.InvalidInput {
		t.Fatalf("expected CID soundness rejection, got %v", err)
	}
}

func TestPutRejectsTamperedPayload(t *testing.T) {
	store, signer := newTestStore(t)
	block, err := NewBlock([]byte("payload"), nil, "", time.Unix(1_700_000_000, 0), signer)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	block.Payload = []byte("tampered")
	if _, err := store.Put(block); err == nil {
		t.Fatal("tampered payload must be rejected")
	}
}

func TestPutRejectsForeignSignature(t *testing.T) {
	store, _ := newTestStore(t)
	impostor, err := identity.GenerateMemorySigner()
	if err != nil {
		t.Fatalf("generate impostor: %v", err)
	}
	block, err := NewBlock([]byte("payload"), nil, "", time.Unix(1_700_000_000, 0), impostor)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	// The impostor's key is not in the directory; the block claims an
	// unknown author.
	if _, err := store.Put(block); err == nil {
		t.Fatal("block by an unresolvable author must be rejected")
	}
}

func TestLinksOf(t *testing.T) {
	store, signer := newTestStore(t)
	parent, err := NewBlock([]byte("parent"), nil, "", time.Unix(1_700_000_000, 0), signer)
	if err != nil {
		t.Fatalf("parent block: %v", err)
	}
	parentCID, err := store.Put(parent)
	if err != nil {
		t.Fatalf("put parent: %v", err)
	}
	child, err := NewBlock([]byte("child"), []ccid.CID{parentCID}, "", time.Unix(1_700_000_001, 0), signer)
	if err != nil {
		t.Fatalf("child block: %v", err)
	}
	childCID, err := store.Put(child)
	if err != nil {
		t.Fatalf("put child: %v", err)
	}
	links, err := store.LinksOf(childCID)
	if err != nil {
		t.Fatalf("links of: %v", err)
	}
	if len(links) != 1 || !links[0].Equal(parentCID) {
		t.Fatal("child must link to parent")
	}
	if _, err := store.LinksOf(ccid.Of(ccid.CodecRaw, []byte("missing"))); runtimeerr.KindOf(err) != runtimeerr.NotFound {
		t.Fatalf("expected NotFound for unknown cid, got %v", err)
	}
}

func TestPinUnpin(t *testing.T) {
	store, signer := newTestStore(t)
	block, err := NewBlock([]byte("pinned"), nil, "", time.Unix(1_700_000_000, 0), signer)
	if err != nil {
		t.Fatalf("new block: %v", err)
	}
	cid, err := store.Put(block)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Pin(cid); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := store.Unpin(cid); err != nil {
		t.Fatalf("unpin: %v", err)
	}
}
