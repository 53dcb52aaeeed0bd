package models

import (
	"fmt"
	"strings"
	"time"
)

// ResourceKind identifies a harvestable block, e.g. "common_mats_ore".
type ResourceKind string

const (
	KindCommonOre    ResourceKind = "common_mats_ore"
	KindUncommonOre  ResourceKind = "uncommon_mats_ore"
	KindRareOre      ResourceKind = "rare_mats_ore"
	KindEpicOre      ResourceKind = "epic_mats_ore"
	KindLegendaryOre ResourceKind = "legendary_mats_ore"
)

// DefaultTrackedKinds are the ore blocks recorded in harvest_events.
var DefaultTrackedKinds = []ResourceKind{
	KindCommonOre,
	KindUncommonOre,
	KindRareOre,
	KindEpicOre,
	KindLegendaryOre,
}

var kindNamespaces = []string{"block.matscraft.", "item.matscraft."}

// NormalizeKind strips the game's block or item namespace, so
// "block.matscraft.rare_mats_ore" and "rare_mats_ore" name the same kind.
func NormalizeKind(raw string) ResourceKind {
	raw = strings.TrimSpace(raw)
	for _, ns := range kindNamespaces {
		if strings.HasPrefix(raw, ns) {
			return ResourceKind(raw[len(ns):])
		}
	}
	return ResourceKind(raw)
}

// Location is a block position in the world.
type Location struct {
	X int `json:"x" db:"x"`
	Y int `json:"y" db:"y"`
	Z int `json:"z" db:"z"`
}

// JSON renders the location the way it is stored in the position column.
func (l Location) JSON() string {
	return fmt.Sprintf(`{"x": %d, "y": %d, "z": %d}`, l.X, l.Y, l.Z)
}

// HarvestEvent records that an actor broke a tracked block.
type HarvestEvent struct {
	ActorID    string       `json:"actorId"`
	Kind       ResourceKind `json:"resourceKind"`
	Location   Location     `json:"location"`
	ObservedAt time.Time    `json:"observedAt"`
}

// HarvestRecord is the durable row keyed by fingerprint.
type HarvestRecord struct {
	Fingerprint     string       `json:"fingerprint" db:"fingerprint"`
	ActorID         string       `json:"actor_id" db:"actor_id"`
	Kind            ResourceKind `json:"resource_kind" db:"resource_kind"`
	Location        Location     `json:"position" db:"position"`
	FirstObservedAt time.Time    `json:"first_observed_at" db:"first_observed_at"`
	LastObservedAt  time.Time    `json:"last_observed_at" db:"last_observed_at"`
}
