// Package token defines the drawable unit of the Test bag.
package token

// Color is a token's face color: green marks a success, red a complication.
type Color string

const (
	ColorGreen Color = "green"
	ColorRed   Color = "red"
)

// Valid reports whether c is a known color.
func (c Color) Valid() bool {
	return c == ColorGreen || c == ColorRed
}

// Token is a single drawable unit. Once created a token is never edited in
// place; state machine transitions copy it with the relevant flags changed.
type Token struct {
	// ID is unique within a Test's full token set (bag plus drawn).
	ID string `json:"id"`
	// Color is the true face color. For hidden tokens it must not be
	// shown to players until the token is drawn; use Masked for any
	// player-facing projection.
	Color Color `json:"color"`
	// Drawn marks a token that left the bag. It never returns.
	Drawn bool `json:"drawn"`
	// Hidden marks a Confusion token whose color is unknown until drawn.
	Hidden bool `json:"hidden,omitempty"`
	// Label ties a complication token to the misfortune that spawned it.
	Label string `json:"label,omitempty"`
}

// MaskedColor is the color reported for hidden, undrawn tokens in any
// player-visible projection.
const MaskedColor Color = "hidden"

// Masked returns a copy safe to show players: an undrawn hidden token's
// color is replaced with MaskedColor. Drawn tokens are always revealed.
func (t Token) Masked() Token {
	if t.Hidden && !t.Drawn {
		t.Color = MaskedColor
	}
	return t
}

// Revealed returns a drawn copy with the hidden flag cleared. Drawing is
// the only path that reveals a hidden token's true color.
func (t Token) Revealed() Token {
	t.Drawn = true
	t.Hidden = false
	return t
}
