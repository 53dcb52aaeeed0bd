package services

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mallardlabs/matsledger/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestFingerprint_KnownValue(t *testing.T) {
	ev := models.HarvestEvent{
		ActorID:    "actor-1",
		Kind:       models.KindRareOre,
		Location:   models.Location{X: 10, Y: -64, Z: 7},
		ObservedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	assert.Equal(t, "QII4SYFKy2u6tiYAQ2syj+PrljxgEH1zgtSffkn3zIM=", Fingerprint(ev))
}

func genHarvestEvent() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.OneConstOf(models.KindCommonOre, models.KindUncommonOre, models.KindRareOre, models.KindEpicOre, models.KindLegendaryOre),
		gen.IntRange(-30000000, 30000000),
		gen.IntRange(-64, 320),
		gen.IntRange(-30000000, 30000000),
		gen.Int64Range(1600000000000, 2000000000000),
	).Map(func(values []any) models.HarvestEvent {
		return models.HarvestEvent{
			ActorID:    values[0].(string),
			Kind:       values[1].(models.ResourceKind),
			Location:   models.Location{X: values[2].(int), Y: values[3].(int), Z: values[4].(int)},
			ObservedAt: time.UnixMilli(values[5].(int64)).UTC(),
		}
	})
}

func TestProperty_Fingerprint(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("identical tuples give identical fingerprints", prop.ForAll(
		func(ev models.HarvestEvent) bool {
			copied := ev
			return Fingerprint(ev) == Fingerprint(copied)
		},
		genHarvestEvent(),
	))

	properties.Property("the same instant in another zone gives the same fingerprint", prop.ForAll(
		func(ev models.HarvestEvent) bool {
			shifted := ev
			shifted.ObservedAt = ev.ObservedAt.In(time.FixedZone("UTC+7", 7*60*60))
			return Fingerprint(ev) == Fingerprint(shifted)
		},
		genHarvestEvent(),
	))

	properties.Property("moving the block changes the fingerprint", prop.ForAll(
		func(ev models.HarvestEvent) bool {
			moved := ev
			moved.Location.X++
			return Fingerprint(ev) != Fingerprint(moved)
		},
		genHarvestEvent(),
	))

	properties.Property("a later observation changes the fingerprint", prop.ForAll(
		func(ev models.HarvestEvent) bool {
			later := ev
			later.ObservedAt = ev.ObservedAt.Add(time.Millisecond)
			return Fingerprint(ev) != Fingerprint(later)
		},
		genHarvestEvent(),
	))

	properties.Property("another actor changes the fingerprint", prop.ForAll(
		func(ev models.HarvestEvent) bool {
			other := ev
			other.ActorID = ev.ActorID + "x"
			return Fingerprint(ev) != Fingerprint(other)
		},
		genHarvestEvent(),
	))

	properties.Property("fingerprints are 44 character base64", prop.ForAll(
		func(ev models.HarvestEvent) bool {
			return len(Fingerprint(ev)) == 44
		},
		genHarvestEvent(),
	))

	properties.TestingRun(t)
}

func TestFingerprint_FieldBoundaries(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := models.HarvestEvent{ActorID: "ab", Kind: "c", ObservedAt: at}
	b := models.HarvestEvent{ActorID: "a", Kind: "bc", ObservedAt: at}

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}
