// Package authz decides which Test actions an actor may perform.
//
// The package centralizes role and phase checks so every mutation path
// calls one evaluator instead of duplicating them. Decisions are pure
// functions of (actor, action, test view): no storage reads, no clocks.
// The reference behavior trusts clients once authenticated, so these
// checks run client-side before any write is attempted; a denied action
// surfaces as a disabled control or a no-op, never a crash.
package authz

// Role distinguishes the game master from players.
type Role string

const (
	RoleMaster Role = "master"
	RolePlayer Role = "player"
)

// Actor is the identity attempting an action.
type Actor struct {
	Role Role
	Name string
}

// Action is a gated operation on the shared Test or a character sheet.
type Action string

const (
	ActionCreate           Action = "test.create"
	ActionShuffle          Action = "test.shuffle"
	ActionClear            Action = "test.clear"
	ActionAddToken         Action = "test.add_token"
	ActionAddComplications Action = "test.add_complications"
	ActionDraw             Action = "test.draw"
	ActionPlace            Action = "sheet.place"
	ActionRead             Action = "read"
)

// TestView is the minimal projection of Test state the gate needs.
// A zero view (Exists=false) represents the absent-Test state.
type TestView struct {
	Exists   bool
	Target   string
	Helpers  []string
	Shuffled bool
	Undrawn  int
}

// Decision captures an allow/deny outcome with a machine reason code.
type Decision struct {
	Allowed    bool
	ReasonCode string
}

// Reason codes for allow/deny decisions.
const (
	ReasonAllowMaster      = "ALLOW_MASTER"
	ReasonAllowTarget      = "ALLOW_TARGET"
	ReasonAllowHelper      = "ALLOW_HELPER"
	ReasonAllowRead        = "ALLOW_READ"
	ReasonDenyMasterOnly   = "DENY_MASTER_ROLE_REQUIRED"
	ReasonDenyMasterActs   = "DENY_MASTER_CANNOT_PLAY"
	ReasonDenyNoTest       = "DENY_NO_ACTIVE_TEST"
	ReasonDenyNotTarget    = "DENY_NOT_TEST_TARGET"
	ReasonDenyNotInTest    = "DENY_NOT_TARGET_OR_HELPER"
	ReasonDenyShuffled     = "DENY_BAG_ALREADY_SHUFFLED"
	ReasonDenyNotShuffled  = "DENY_BAG_NOT_SHUFFLED"
	ReasonDenyBagEmpty     = "DENY_NO_UNDRAWN_TOKENS"
	ReasonDenyUnknownRole  = "DENY_UNKNOWN_ROLE"
	ReasonDenyUnknown      = "DENY_UNKNOWN_ACTION"
)

func allow(reason string) Decision { return Decision{Allowed: true, ReasonCode: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, ReasonCode: reason} }

// Can evaluates whether actor may perform action against the given view.
func Can(actor Actor, action Action, view TestView) Decision {
	if actor.Role != RoleMaster && actor.Role != RolePlayer {
		return deny(ReasonDenyUnknownRole)
	}

	switch action {
	case ActionRead:
		return allow(ReasonAllowRead)

	case ActionCreate:
		// A new Test may replace an existing one, so existence is not checked.
		if actor.Role != RoleMaster {
			return deny(ReasonDenyMasterOnly)
		}
		return allow(ReasonAllowMaster)

	case ActionShuffle:
		if actor.Role != RoleMaster {
			return deny(ReasonDenyMasterOnly)
		}
		if !view.Exists {
			return deny(ReasonDenyNoTest)
		}
		if view.Shuffled {
			return deny(ReasonDenyShuffled)
		}
		return allow(ReasonAllowMaster)

	case ActionClear:
		if actor.Role != RoleMaster {
			return deny(ReasonDenyMasterOnly)
		}
		if !view.Exists {
			return deny(ReasonDenyNoTest)
		}
		return allow(ReasonAllowMaster)

	case ActionAddToken:
		if actor.Role != RolePlayer {
			return deny(ReasonDenyMasterActs)
		}
		if !view.Exists {
			return deny(ReasonDenyNoTest)
		}
		if view.Shuffled {
			return deny(ReasonDenyShuffled)
		}
		if actor.Name == view.Target {
			return allow(ReasonAllowTarget)
		}
		for _, helper := range view.Helpers {
			if actor.Name == helper {
				return allow(ReasonAllowHelper)
			}
		}
		return deny(ReasonDenyNotInTest)

	case ActionAddComplications:
		// Complications are added by the target clicking their own
		// misfortune, and only before the bag is locked. Whether they may
		// also surface mid-draw is ambiguous in the reference behavior;
		// this gate takes the stricter pre-shuffle reading.
		if actor.Role != RolePlayer {
			return deny(ReasonDenyMasterActs)
		}
		if !view.Exists {
			return deny(ReasonDenyNoTest)
		}
		if view.Shuffled {
			return deny(ReasonDenyShuffled)
		}
		if actor.Name != view.Target {
			return deny(ReasonDenyNotTarget)
		}
		return allow(ReasonAllowTarget)

	case ActionDraw:
		if actor.Role != RolePlayer {
			return deny(ReasonDenyMasterActs)
		}
		if !view.Exists {
			return deny(ReasonDenyNoTest)
		}
		if actor.Name != view.Target {
			return deny(ReasonDenyNotTarget)
		}
		if !view.Shuffled {
			return deny(ReasonDenyNotShuffled)
		}
		if view.Undrawn == 0 {
			return deny(ReasonDenyBagEmpty)
		}
		return allow(ReasonAllowTarget)

	case ActionPlace:
		if actor.Role != RolePlayer {
			return deny(ReasonDenyMasterActs)
		}
		if !view.Exists {
			return deny(ReasonDenyNoTest)
		}
		if actor.Name != view.Target {
			return deny(ReasonDenyNotTarget)
		}
		return allow(ReasonAllowTarget)
	}

	return deny(ReasonDenyUnknown)
}
