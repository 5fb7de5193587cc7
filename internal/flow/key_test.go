package flow

import (
	"net/netip"
	"testing"
)

func ep(s string) Endpoint {
	ap := netip.MustParseAddrPort(s)
	return Endpoint{Addr: ap.Addr(), Port: ap.Port()}
}

func TestKeyString(t *testing.T) {
	cases := []struct {
		key  Key
		want string
	}{
		{NewKey(ep("10.0.0.5:40000"), ep("93.1.1.1:443")), "TCP 10.0.0.5:40000 > 93.1.1.1:443"},
		{NewKey(ep("[::1]:80"), ep("[2001:db8::2]:9")), "TCP [::1]:80 > [2001:db8::2]:9"},
	}
	for _, c := range cases {
		if got := c.key.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}

func TestOpposing(t *testing.T) {
	k := NewKey(ep("10.0.0.5:40000"), ep("93.1.1.1:443"))
	o := k.Opposing()
	if o.Src != k.Dst || o.Dst != k.Src || o.Proto != k.Proto {
		t.Fatalf("opposing key %v is not the reverse of %v", o, k)
	}
	if o.Opposing() != k {
		t.Fatalf("opposing is not an involution")
	}
	if !k.IsOpposing(o) || !o.IsOpposing(k) {
		t.Fatalf("IsOpposing should hold both ways")
	}
	if k.IsOpposing(k) {
		t.Fatalf("a key is not its own opposite")
	}
	other := Key{Proto: "UDP", Src: k.Dst, Dst: k.Src}
	if k.IsOpposing(other) {
		t.Fatalf("protocol must be held equal")
	}
}

func TestQuadFor(t *testing.T) {
	client := netip.MustParseAddr("10.0.0.5")
	c2s := NewKey(ep("10.0.0.5:40000"), ep("93.1.1.1:443"))
	s2c := c2s.Opposing()

	q1, d1 := QuadFor(c2s, client)
	q2, d2 := QuadFor(s2c, client)
	if q1 != q2 {
		t.Fatalf("both directions must yield the same quad: %v vs %v", q1, q2)
	}
	if d1 != DirClientToServer || d2 != DirServerToClient {
		t.Fatalf("unexpected directions %s %s", d1, d2)
	}
	if q1.Client != ep("10.0.0.5:40000") || q1.Server != ep("93.1.1.1:443") {
		t.Fatalf("quad not client-first: %v", q1)
	}
	if q1.Key(DirClientToServer) != c2s || q1.Key(DirServerToClient) != s2c {
		t.Fatalf("Quad.Key does not round-trip")
	}
}

func TestKeyCompare(t *testing.T) {
	a := NewKey(ep("10.0.0.5:1"), ep("10.0.0.6:2"))
	b := NewKey(ep("10.0.0.5:2"), ep("10.0.0.6:2"))
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 || a.Compare(a) != 0 {
		t.Fatalf("Compare is not a total order on ports")
	}
}
