package domain

import "strings"

// PlatformSource identifies the aggregator that issued a settlement report
type PlatformSource string

const (
	PlatformUberEats  PlatformSource = "uber_eats"
	PlatformDoorDash  PlatformSource = "doordash"
	PlatformGrubhub   PlatformSource = "grubhub"
	PlatformDeliveroo PlatformSource = "deliveroo"
	PlatformJustEat   PlatformSource = "just_eat"
	PlatformRappi     PlatformSource = "rappi"
	PlatformDidiFood  PlatformSource = "didi_food"
	PlatformIFood     PlatformSource = "ifood"
	PlatformUnknown   PlatformSource = "unknown"
)

// KnownPlatforms returns every concrete platform, excluding unknown
func KnownPlatforms() []PlatformSource {
	return []PlatformSource{
		PlatformUberEats,
		PlatformDoorDash,
		PlatformGrubhub,
		PlatformDeliveroo,
		PlatformJustEat,
		PlatformRappi,
		PlatformDidiFood,
		PlatformIFood,
	}
}

// ParsePlatform maps a free-form platform name to a PlatformSource.
// Unrecognized names map to PlatformUnknown.
func ParsePlatform(name string) PlatformSource {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer(" ", "_", "-", "_", ".", "").Replace(key)

	switch key {
	case "uber_eats", "ubereats", "uber":
		return PlatformUberEats
	case "doordash", "door_dash":
		return PlatformDoorDash
	case "grubhub", "grub_hub":
		return PlatformGrubhub
	case "deliveroo":
		return PlatformDeliveroo
	case "just_eat", "justeat":
		return PlatformJustEat
	case "rappi":
		return PlatformRappi
	case "didi_food", "didifood", "didi":
		return PlatformDidiFood
	case "ifood":
		return PlatformIFood
	}
	return PlatformUnknown
}

// IsKnown reports whether the platform is a concrete aggregator
func (p PlatformSource) IsKnown() bool {
	return p != "" && p != PlatformUnknown
}
