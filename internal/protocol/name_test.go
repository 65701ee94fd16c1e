package protocol

import "testing"

func TestFallbackName(t *testing.T) {
	cases := []struct {
		world uint8
		want  string
	}{
		{1, "Player 1"},
		{9, "Player 9"},
		{10, "Player10"},
		{99, "Player99"},
		{100, "Playr100"},
		{255, "Playr255"},
	}
	for _, c := range cases {
		if got := FallbackName(c.world).String(); got != c.want {
			t.Fatalf("FallbackName(%d)=%q want=%q", c.world, got, c.want)
		}
	}
}

func TestName_DefaultAndEncode(t *testing.T) {
	if !DefaultName.IsDefault() || DefaultName.String() != "" {
		t.Fatalf("default name renders as %q", DefaultName.String())
	}
	n := EncodeName("Zelda")
	if n.String() != "Zelda" {
		t.Fatalf("round trip: %q", n.String())
	}
	if n[5] != 0xdf || n[7] != 0xdf {
		t.Fatalf("short names are space padded: % x", n[:])
	}
	if got := DisplayName(4, DefaultName); got != FallbackName(4) {
		t.Fatalf("display of unset name must fall back")
	}
	if got := DisplayName(4, n); got != n {
		t.Fatalf("display of set name must keep it")
	}
}

func TestHintArea_Lookup(t *testing.T) {
	if a := ParseHintAreaText("Spirit Temple         "); a != HintAreaSpiritTemple {
		t.Fatalf("spirit temple parsed as %v", a)
	}
	if a := ParseHintAreaText("Free                  "); a != HintAreaRoot {
		t.Fatalf("free parsed as %v", a)
	}
	if a := ParseHintAreaText("Spirit Temple"); a != HintAreaUnknown {
		t.Fatalf("unpadded text must not match, got %v", a)
	}
	for a := HintAreaRoot; a < hintAreaCount; a++ {
		if len(a.Text()) != HintTextLen {
			t.Fatalf("%v label width %d", a, len(a.Text()))
		}
	}
	if HintAreaForDungeon(13) != HintAreaInsideGanonsCastle || HintAreaForDungeon(14) != HintAreaUnknown {
		t.Fatalf("dungeon table mismatch")
	}
}
