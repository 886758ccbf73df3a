package token

import "testing"

func TestColorValid(t *testing.T) {
	if !ColorGreen.Valid() || !ColorRed.Valid() {
		t.Fatal("expected green and red to be valid")
	}
	if Color("blue").Valid() {
		t.Fatal("expected unknown color to be invalid")
	}
	if MaskedColor.Valid() {
		t.Fatal("masked pseudo-color must not be a valid token color")
	}
}

func TestMaskedHidesUndrawnHiddenColor(t *testing.T) {
	hidden := Token{ID: "t1", Color: ColorRed, Hidden: true}
	if got := hidden.Masked().Color; got != MaskedColor {
		t.Fatalf("masked color = %q, want %q", got, MaskedColor)
	}

	drawn := Token{ID: "t2", Color: ColorRed, Hidden: false, Drawn: true}
	if got := drawn.Masked().Color; got != ColorRed {
		t.Fatalf("drawn token color = %q, want revealed", got)
	}

	visible := Token{ID: "t3", Color: ColorGreen}
	if got := visible.Masked().Color; got != ColorGreen {
		t.Fatalf("visible token color = %q, want unchanged", got)
	}
}

func TestRevealedClearsHiddenAndMarksDrawn(t *testing.T) {
	tok := Token{ID: "t1", Color: ColorGreen, Hidden: true}
	revealed := tok.Revealed()
	if !revealed.Drawn || revealed.Hidden {
		t.Fatalf("revealed = %+v, want drawn and not hidden", revealed)
	}
	if revealed.Color != ColorGreen {
		t.Fatalf("revealed color = %q, want true color preserved", revealed.Color)
	}
	// The original value is untouched.
	if tok.Drawn || !tok.Hidden {
		t.Fatalf("source token mutated: %+v", tok)
	}
}
