// internal/model/common.go
// @tag models, data_structure, core
package model

// ───────────────────────────────────────────────────────────────
// 🚀 Core Data Structures
// ───────────────────────────────────────────────────────────────

// AccountID identifies a participant: a market authority, a position
// owner, or a liquidator. Signature verification happens upstream; by
// the time an AccountID reaches the engine it is trusted.
type AccountID string

// Side represents the direction of a position or trade.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideFlat  Side = "flat"
)

// SideFromBool maps the wire-level isLong flag onto a Side.
func SideFromBool(isLong bool) Side {
	if isLong {
		return SideLong
	}
	return SideShort
}
