// Package sheet models character sheets and the token-placement ledger.
//
// A sheet is one document per character, keyed by lowercased player name.
// Besides the free-text fields the players edit, it carries placedHexes,
// the ledger mapping sheet slots to tokens taken from a Test's drawn
// sequence. Placement effects (the banked-success double bonus, the
// confusion complication read by Test creation) are driven entirely from
// this ledger.
package sheet

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/notanend/hexbag/internal/platform/errors"
	"github.com/notanend/hexbag/internal/token"
)

const (
	// QualitySlots is the number of quality hexes on the grid.
	QualitySlots = 6
	// SkillSlots is the number of skill hexes on the grid.
	SkillSlots = 12
	// MisfortuneSlots is the number of misfortune entries per character.
	MisfortuneSlots = 4
)

var (
	// ErrNameEmpty indicates a sheet operation without a player name.
	ErrNameEmpty = apperrors.New(apperrors.CodeSheetNameEmpty, "player name is required")
	// ErrUnknownSlot indicates a placement against a slot key outside the
	// fixed grid set.
	ErrUnknownSlot = apperrors.New(apperrors.CodeSheetUnknownSlot, "unknown sheet slot")
	// ErrSlotOccupied indicates a placement into a slot already holding a token.
	ErrSlotOccupied = apperrors.New(apperrors.CodeSheetSlotOccupied, "sheet slot already holds a token")
)

// SlotConfusion and SlotAdrenaline are the marker slots; red tokens placed
// there are visible flags rather than grid bonuses. A red token on
// SlotConfusion is what Test creation reads as the confusion complication.
const (
	SlotArchetype  = "archetype"
	SlotConfusion  = "confusion"
	SlotAdrenaline = "adrenaline"
)

// QualitySlot returns the slot key for quality hex i (0-based).
func QualitySlot(i int) string { return fmt.Sprintf("quality-%d", i) }

// SkillSlot returns the slot key for skill hex i (0-based).
func SkillSlot(i int) string { return fmt.Sprintf("skill-%d", i) }

// SlotKeys is the full fixed set of placement slots.
var SlotKeys = buildSlotKeys()

func buildSlotKeys() []string {
	keys := []string{SlotArchetype}
	for i := 0; i < QualitySlots; i++ {
		keys = append(keys, QualitySlot(i))
	}
	for i := 0; i < SkillSlots; i++ {
		keys = append(keys, SkillSlot(i))
	}
	return append(keys, SlotConfusion, SlotAdrenaline)
}

// ValidSlot reports whether key belongs to the fixed slot set.
func ValidSlot(key string) bool {
	for _, k := range SlotKeys {
		if k == key {
			return true
		}
	}
	return false
}

// GridSlot reports whether key is a grid slot, where green tokens bank a
// single-use double bonus. The marker slots are not grid slots.
func GridSlot(key string) bool {
	return ValidSlot(key) && key != SlotConfusion && key != SlotAdrenaline
}

// Misfortune is a standing complication on a character. The master edits
// the counter directly on the sheet; the target clicking it injects that
// many labeled red tokens into the active Test.
type Misfortune struct {
	Text          string `json:"text"`
	Complications int    `json:"complications"`
}

// Sheet is one character document.
type Sheet struct {
	PlayerName  string                  `json:"playerName"`
	RiskPhrase  string                  `json:"riskPhrase"`
	Archetype   string                  `json:"archetype"`
	Qualities   []string                `json:"qualities"`
	Skills      []string                `json:"skills"`
	Misfortunes []Misfortune            `json:"misfortunes"`
	Confusion   bool                    `json:"confusion"`
	Adrenaline  bool                    `json:"adrenaline"`
	PlacedHexes map[string]*token.Token `json:"placedHexes"`
	UpdatedAt   int64                   `json:"updatedAt"`
}

// Default returns an empty sheet for the named player.
func Default(playerName string) Sheet {
	return Sheet{
		PlayerName:  playerName,
		Qualities:   make([]string, QualitySlots),
		Skills:      make([]string, SkillSlots),
		Misfortunes: make([]Misfortune, MisfortuneSlots),
		PlacedHexes: map[string]*token.Token{},
	}
}

// Normalize repairs a sheet loaded from storage so readers never see a
// malformed shape: missing or short arrays are padded to their fixed
// sizes, extra entries are dropped, and a nil ledger becomes empty.
func Normalize(s Sheet) Sheet {
	out := s
	out.Qualities = fixedStrings(s.Qualities, QualitySlots)
	out.Skills = fixedStrings(s.Skills, SkillSlots)

	out.Misfortunes = make([]Misfortune, MisfortuneSlots)
	copy(out.Misfortunes, s.Misfortunes)
	for i, m := range out.Misfortunes {
		if m.Complications < 0 {
			out.Misfortunes[i].Complications = 0
		}
	}

	out.PlacedHexes = map[string]*token.Token{}
	for key, tok := range s.PlacedHexes {
		if tok == nil || !ValidSlot(key) {
			continue
		}
		copied := *tok
		out.PlacedHexes[key] = &copied
	}
	return out
}

func fixedStrings(in []string, size int) []string {
	out := make([]string, size)
	copy(out, in)
	return out
}

// Place records tok in the named slot. The ledger itself is last-write-
// wins, so occupancy is rejected here rather than by the store.
func Place(s Sheet, slotKey string, tok token.Token) (Sheet, error) {
	if !ValidSlot(slotKey) {
		return Sheet{}, ErrUnknownSlot
	}
	if existing, ok := s.PlacedHexes[slotKey]; ok && existing != nil {
		return Sheet{}, ErrSlotOccupied
	}
	out := clonePlaced(s)
	placed := tok
	out.PlacedHexes[slotKey] = &placed
	return out, nil
}

// RemovePlaced clears the named slot unconditionally. Clearing an empty
// or unknown slot is a no-op.
func RemovePlaced(s Sheet, slotKey string) Sheet {
	out := clonePlaced(s)
	delete(out.PlacedHexes, slotKey)
	return out
}

// PlacedToken returns the token occupying slotKey, if any.
func (s Sheet) PlacedToken(slotKey string) (token.Token, bool) {
	tok, ok := s.PlacedHexes[slotKey]
	if !ok || tok == nil {
		return token.Token{}, false
	}
	return *tok, true
}

// HasConfusionComplication reports whether a red token sits on the
// confusion slot. Test creation reads this to inject hidden tokens.
func (s Sheet) HasConfusionComplication() bool {
	tok, ok := s.PlacedToken(SlotConfusion)
	return ok && tok.Color == token.ColorRed
}

// Key derives the document key for a player name.
func Key(playerName string) string {
	return strings.ToLower(playerName)
}

func clonePlaced(s Sheet) Sheet {
	out := s
	out.PlacedHexes = make(map[string]*token.Token, len(s.PlacedHexes))
	for key, tok := range s.PlacedHexes {
		if tok == nil {
			continue
		}
		copied := *tok
		out.PlacedHexes[key] = &copied
	}
	return out
}

// Touch stamps the sheet with the write time.
func Touch(s Sheet, now time.Time) Sheet {
	out := s
	out.UpdatedAt = now.UTC().UnixMilli()
	return out
}
