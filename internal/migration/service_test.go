package migration

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autoledger/autoledger/internal/catalog"
	"github.com/autoledger/autoledger/internal/policy"
	"github.com/autoledger/autoledger/internal/shared"
)

func testService(t *testing.T, rules ...Ruleset) *Service {
	t.Helper()
	catalogs, err := catalog.NewStore(catalog.BAS2025v1(), catalog.BAS2025v2())
	require.NoError(t, err)
	if len(rules) == 0 {
		rules = Builtin()
	}
	return NewService(catalogs, rules...)
}

func TestMigratePolicyToNewCatalogVersion(t *testing.T) {
	svc := testService(t)
	migrated, err := svc.Migrate(policy.ReprMealSE(), "2025_v2.0")
	require.NoError(t, err)

	require.Equal(t, "SE_REPR_MEAL_V1", migrated.ID)
	require.Equal(t, "V2", migrated.Version)
	require.Equal(t, "2025_v2.0", migrated.CatalogVersion)
	require.Equal(t, "2025_v1.0", migrated.MigratedFrom)
	// No renumbering in this ruleset: accounts carry over untouched.
	require.Equal(t, policy.ReprMealSE().Accounts(), migrated.Accounts())
}

func TestMigrateSameVersionIsIdentity(t *testing.T) {
	svc := testService(t)
	p := policy.ReprMealSE()
	migrated, err := svc.Migrate(p, "2025_v1.0")
	require.NoError(t, err)
	require.Equal(t, p, migrated)
}

func TestMigrateWithoutRulesetBlocks(t *testing.T) {
	svc := testService(t)
	_, err := svc.Migrate(policy.ReprMealSE(), "2026_v1.0")
	require.True(t, shared.IsTag(err, shared.TagMigrationBlocked))
}

func TestMigrateDeprecatedAccountBlocks(t *testing.T) {
	svc := testService(t, Ruleset{
		From:               "2025_v1.0",
		To:                 "2025_v2.0",
		DeprecatedAccounts: []string{"6071"},
	})
	_, err := svc.Migrate(policy.ReprMealSE(), "2025_v2.0")
	require.True(t, shared.IsTag(err, shared.TagMigrationBlocked))
}

func TestMigrateDeprecatedAccountWithMappingSucceeds(t *testing.T) {
	svc := testService(t, Ruleset{
		From:               "2025_v1.0",
		To:                 "2025_v2.0",
		AccountMappings:    map[string]string{"6071": "6073"},
		DeprecatedAccounts: []string{"6071"},
	})
	migrated, err := svc.Migrate(policy.ReprMealSE(), "2025_v2.0")
	require.NoError(t, err)
	require.Equal(t, "6073", migrated.Rules.Posting[0].Account)
}

func TestMigrateMappedAccountMissingFromTargetFails(t *testing.T) {
	svc := testService(t, Ruleset{
		From:            "2025_v1.0",
		To:              "2025_v2.0",
		AccountMappings: map[string]string{"6071": "4711"},
	})
	_, err := svc.Migrate(policy.ReprMealSE(), "2025_v2.0")
	require.True(t, shared.IsTag(err, shared.TagUnknownAccount))
}

func TestMigrateRoundTripPreservesRules(t *testing.T) {
	svc := testService(t)
	original := policy.ReprMealSE()

	forward, err := svc.Migrate(original, "2025_v2.0")
	require.NoError(t, err)
	back, err := svc.Migrate(forward, "2025_v1.0")
	require.NoError(t, err)

	// Rule evaluation depends on match, requires, vat and posting; the
	// round trip must leave them equivalent.
	require.Equal(t, original.Rules, back.Rules)
	require.Equal(t, original.CatalogVersion, back.CatalogVersion)
}

func TestMigratedPolicyJoinsStoreUnderNewVersion(t *testing.T) {
	catalogs, err := catalog.NewStore(catalog.BAS2025v1(), catalog.BAS2025v2())
	require.NoError(t, err)
	svc := NewService(catalogs, Builtin()...)
	store := testPolicyStore(t, catalogs)

	migrated, err := svc.Migrate(policy.ReprMealSE(), "2025_v2.0")
	require.NoError(t, err)
	require.NoError(t, store.Add(catalogs, migrated))
	selected := store.Select("SE", "representation_meal", day(2025, 8, 1))
	require.NotEmpty(t, selected)
	require.Equal(t, "V2", selected[0].Version)
}

func TestBlockedMigrationDoesNotJoinStore(t *testing.T) {
	catalogs, err := catalog.NewStore(catalog.BAS2025v1(), catalog.BAS2025v2())
	require.NoError(t, err)
	svc := NewService(catalogs, Ruleset{From: "2025_v1.0", To: "2025_v2.0", DeprecatedAccounts: []string{"6071"}})
	store := testPolicyStore(t, catalogs)

	before := len(store.All())
	_, err = svc.Migrate(policy.ReprMealSE(), "2025_v2.0")
	require.Error(t, err)
	require.Len(t, store.All(), before)
}
