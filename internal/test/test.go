// Package test implements the shared Test state machine: a bag of tokens
// built up by the table, locked by a shuffle, and resolved by uniform
// random draws.
//
// The Test lives in a single document observed by every client. All
// transitions here are pure value functions; Service (service.go) wires
// them to the document store with authorization checks and the
// read-modify-write cycle.
package test

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/notanend/hexbag/internal/authz"
	apperrors "github.com/notanend/hexbag/internal/platform/errors"
	"github.com/notanend/hexbag/internal/platform/id"
	"github.com/notanend/hexbag/internal/token"
)

// ConfusionHiddenTokens is how many hidden tokens a Confusion complication
// injects at creation. Their colors are unknown to players until drawn.
const ConfusionHiddenTokens = 4

var (
	// ErrTargetEmpty indicates a Test was created without a target player.
	ErrTargetEmpty = apperrors.New(apperrors.CodeTestTargetEmpty, "test target player is required")
	// ErrInvalidDifficulty indicates an unknown or zero-token difficulty.
	ErrInvalidDifficulty = apperrors.New(apperrors.CodeTestInvalidDifficulty, "difficulty must contribute at least one red token")
	// ErrAlreadyShuffled indicates a mutation that is only legal before the
	// bag is locked.
	ErrAlreadyShuffled = apperrors.New(apperrors.CodeTestAlreadyShuffled, "bag is already shuffled")
	// ErrNotShuffled indicates a draw attempted before the bag was locked.
	ErrNotShuffled = apperrors.New(apperrors.CodeTestNotShuffled, "bag is not shuffled yet")
)

// Difficulty maps a named difficulty to the red tokens it contributes.
type Difficulty struct {
	Label    string
	Value    string
	RedHexes int
}

// Difficulties are the canonical difficulty levels, easiest first.
var Difficulties = []Difficulty{
	{Label: "Very Easy", Value: "very-easy", RedHexes: 1},
	{Label: "Easy", Value: "easy", RedHexes: 2},
	{Label: "Normal", Value: "normal", RedHexes: 3},
	{Label: "Hard", Value: "hard", RedHexes: 4},
	{Label: "Very Hard", Value: "very-hard", RedHexes: 5},
	{Label: "Near Impossible", Value: "near-impossible", RedHexes: 6},
}

// DifficultyByValue resolves a difficulty slug.
func DifficultyByValue(value string) (Difficulty, bool) {
	for _, d := range Difficulties {
		if d.Value == value {
			return d, true
		}
	}
	return Difficulty{}, false
}

// Test is the singleton shared document for one resolution.
//
// Hexes is the full token history: undrawn tokens form the bag, and drawn
// tokens stay in place with Drawn=true as counter/history entries.
// DrawnHexes is the append-only draw order; placement removes entries
// from it, never from Hexes.
type Test struct {
	PlayerName      string        `json:"playerName"`
	Difficulty      string        `json:"difficulty"`
	DifficultyValue string        `json:"difficultyValue"`
	RedCount        int           `json:"redCount"`
	Hexes           []token.Token `json:"hexes"`
	DrawnHexes      []token.Token `json:"drawnHexes"`
	Helpers         []string      `json:"helpers"`
	Shuffled        bool          `json:"shuffled"`
	CreatedAt       int64         `json:"createdAt"`
	// Revision increases by one on every accepted write; conforming
	// backends use it to reject stale writers.
	Revision int64 `json:"revision"`
}

// New builds a fresh Test for the target player.
//
// The difficulty contributes RedHexes plain red tokens. When the target's
// confusion slot holds a red token, four hidden tokens join the bag, each
// independently green or red with equal probability; their colors stay
// masked until drawn.
func New(target string, difficulty Difficulty, helpers []string, hasConfusionComplication bool, rng *rand.Rand, now time.Time) (Test, error) {
	if target == "" {
		return Test{}, ErrTargetEmpty
	}
	if difficulty.RedHexes <= 0 {
		return Test{}, ErrInvalidDifficulty
	}

	hexes := make([]token.Token, 0, difficulty.RedHexes+ConfusionHiddenTokens)
	for i := 0; i < difficulty.RedHexes; i++ {
		tok, err := mint(token.ColorRed)
		if err != nil {
			return Test{}, err
		}
		hexes = append(hexes, tok)
	}
	if hasConfusionComplication {
		for i := 0; i < ConfusionHiddenTokens; i++ {
			color := token.ColorGreen
			if rng.Intn(2) == 1 {
				color = token.ColorRed
			}
			tok, err := mint(color)
			if err != nil {
				return Test{}, err
			}
			tok.Hidden = true
			hexes = append(hexes, tok)
		}
	}

	// The target never helps their own Test.
	kept := make([]string, 0, len(helpers))
	for _, helper := range helpers {
		if helper != "" && helper != target {
			kept = append(kept, helper)
		}
	}

	return Test{
		PlayerName:      target,
		Difficulty:      difficulty.Label,
		DifficultyValue: difficulty.Value,
		RedCount:        difficulty.RedHexes,
		Hexes:           hexes,
		DrawnHexes:      []token.Token{},
		Helpers:         kept,
		CreatedAt:       now.UTC().UnixMilli(),
	}, nil
}

// AddGreen appends count fresh green tokens to the bag in one step. It is
// only legal before the bag is shuffled.
func AddGreen(t Test, count int) (Test, error) {
	if t.Shuffled {
		return Test{}, ErrAlreadyShuffled
	}
	updated := t
	updated.Hexes = copyTokens(t.Hexes)
	for i := 0; i < count; i++ {
		tok, err := mint(token.ColorGreen)
		if err != nil {
			return Test{}, err
		}
		updated.Hexes = append(updated.Hexes, tok)
	}
	return updated, nil
}

// AddComplications appends count labeled red tokens for a misfortune.
// A non-positive count is a no-op. Unlike AddGreen this transition is
// phase-free; the authorization gate decides when callers may invoke it.
func AddComplications(t Test, label string, count int) (Test, error) {
	if count <= 0 {
		return t, nil
	}
	updated := t
	updated.Hexes = copyTokens(t.Hexes)
	for i := 0; i < count; i++ {
		tok, err := mint(token.ColorRed)
		if err != nil {
			return Test{}, err
		}
		tok.Label = label
		updated.Hexes = append(updated.Hexes, tok)
	}
	return updated, nil
}

// Shuffle locks the bag. One-way: it never reverts within the same Test.
func Shuffle(t Test) (Test, error) {
	if t.Shuffled {
		return Test{}, ErrAlreadyShuffled
	}
	updated := t
	updated.Shuffled = true
	return updated, nil
}

// Draw removes one token from the bag, chosen uniformly among the
// not-yet-drawn tokens; hidden tokens carry the same probability as
// visible ones. The bag copy is marked drawn and revealed in place, and a
// revealed copy is appended to DrawnHexes.
//
// Drawing from an empty bag is a no-op rather than an error: the second
// return value reports whether a token was drawn.
func Draw(t Test, rng *rand.Rand) (Test, token.Token, bool, error) {
	if !t.Shuffled {
		return Test{}, token.Token{}, false, ErrNotShuffled
	}

	var undrawn []int
	for i, tok := range t.Hexes {
		if !tok.Drawn {
			undrawn = append(undrawn, i)
		}
	}
	if len(undrawn) == 0 {
		return t, token.Token{}, false, nil
	}

	pick := undrawn[rng.Intn(len(undrawn))]
	updated := t
	updated.Hexes = copyTokens(t.Hexes)
	revealed := updated.Hexes[pick].Revealed()
	updated.Hexes[pick] = revealed
	updated.DrawnHexes = append(copyTokens(t.DrawnHexes), revealed)
	return updated, revealed, true, nil
}

// RemoveDrawn removes the matching token from the drawn sequence, for
// when it is consumed by placement on a sheet slot. The bag history is
// untouched. Removing an absent id is a no-op.
func RemoveDrawn(t Test, tokenID string) Test {
	updated := t
	updated.DrawnHexes = make([]token.Token, 0, len(t.DrawnHexes))
	for _, tok := range t.DrawnHexes {
		if tok.ID == tokenID {
			continue
		}
		updated.DrawnHexes = append(updated.DrawnHexes, tok)
	}
	return updated
}

// DrawnToken looks up a token in the drawn sequence.
func (t Test) DrawnToken(tokenID string) (token.Token, bool) {
	for _, tok := range t.DrawnHexes {
		if tok.ID == tokenID {
			return tok, true
		}
	}
	return token.Token{}, false
}

// UndrawnCount reports how many tokens remain drawable.
func (t Test) UndrawnCount() int {
	count := 0
	for _, tok := range t.Hexes {
		if !tok.Drawn {
			count++
		}
	}
	return count
}

// BagCounts tallies the undrawn bag for display. Hidden tokens are
// excluded from both color counts and reported separately so their true
// color never leaks into a counter.
func (t Test) BagCounts() (red, green, hidden int) {
	for _, tok := range t.Hexes {
		if tok.Drawn {
			continue
		}
		switch {
		case tok.Hidden:
			hidden++
		case tok.Color == token.ColorRed:
			red++
		case tok.Color == token.ColorGreen:
			green++
		}
	}
	return red, green, hidden
}

// IsTarget reports whether name is the Test's target player.
func (t Test) IsTarget(name string) bool {
	return name != "" && t.PlayerName == name
}

// IsHelper reports whether name is a listed helper.
func (t Test) IsHelper(name string) bool {
	for _, helper := range t.Helpers {
		if helper == name {
			return true
		}
	}
	return false
}

// PublicView returns a copy safe for player-facing reads: undrawn hidden
// tokens have their colors masked. Drawn entries are always revealed.
func (t Test) PublicView() Test {
	view := t
	view.Hexes = make([]token.Token, len(t.Hexes))
	for i, tok := range t.Hexes {
		view.Hexes[i] = tok.Masked()
	}
	view.DrawnHexes = copyTokens(t.DrawnHexes)
	return view
}

// AuthView projects the state the authorization gate needs. A nil
// receiver yields the absent-Test view.
func (t *Test) AuthView() authz.TestView {
	if t == nil {
		return authz.TestView{}
	}
	return authz.TestView{
		Exists:   true,
		Target:   t.PlayerName,
		Helpers:  append([]string(nil), t.Helpers...),
		Shuffled: t.Shuffled,
		Undrawn:  t.UndrawnCount(),
	}
}

func mint(color token.Color) (token.Token, error) {
	tokenID, err := id.NewID()
	if err != nil {
		return token.Token{}, fmt.Errorf("mint token id: %w", err)
	}
	return token.Token{ID: tokenID, Color: color}, nil
}

func copyTokens(tokens []token.Token) []token.Token {
	out := make([]token.Token, len(tokens))
	copy(out, tokens)
	return out
}
