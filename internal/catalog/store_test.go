package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autoledger/autoledger/internal/shared"
)

func TestNewStoreRejectsDuplicateNumbers(t *testing.T) {
	c := BAS2025v1()
	c.Accounts = append(c.Accounts, Account{Number: "1930", Name: "dup", Class: "19", Type: AccountTypeAsset})
	_, err := NewStore(c)
	require.ErrorContains(t, err, "duplicate account number")
}

func TestNewStoreRejectsDanglingTag(t *testing.T) {
	c := BAS2025v1()
	c.Tags["petty_cash"] = "1910"
	_, err := NewStore(c)
	require.ErrorContains(t, err, "unknown account")
}

func TestNewStoreRejectsMissingFields(t *testing.T) {
	c := BAS2025v1()
	c.Accounts = append(c.Accounts, Account{Number: "4000"})
	_, err := NewStore(c)
	require.ErrorContains(t, err, "missing required fields")
}

func TestGetUnknownVersion(t *testing.T) {
	store, err := NewStore(BAS2025v1())
	require.NoError(t, err)
	_, err = store.Get("1999_v0.1")
	require.True(t, shared.IsTag(err, shared.TagCatalogMissing))
}

func TestResolveForDateEdges(t *testing.T) {
	store, err := NewStore(BAS2025v1(), BAS2025v2())
	require.NoError(t, err)

	cases := []struct {
		date    time.Time
		version string
	}{
		{day(2025, 1, 1), "2025_v1.0"},
		{day(2025, 6, 30), "2025_v1.0"}, // effective_to inclusive
		{day(2025, 7, 1), "2025_v2.0"},
		{day(2025, 7, 2), "2025_v2.0"},
	}
	for _, tc := range cases {
		cat, err := store.ResolveForDate("SE", tc.date)
		require.NoError(t, err)
		require.Equal(t, tc.version, cat.Version, "date %s", tc.date.Format("2006-01-02"))
	}

	_, err = store.ResolveForDate("SE", day(2024, 12, 31))
	require.True(t, shared.IsTag(err, shared.TagCatalogMissing))
	_, err = store.ResolveForDate("NO", day(2025, 3, 1))
	require.True(t, shared.IsTag(err, shared.TagCatalogMissing))
}

func TestResolveForDateOverlapPrefersNewer(t *testing.T) {
	older := BAS2025v1()
	older.EffectiveTo = nil
	newer := BAS2025v2()
	store, err := NewStore(older, newer)
	require.NoError(t, err)

	cat, err := store.ResolveForDate("SE", day(2025, 7, 1))
	require.NoError(t, err)
	require.Equal(t, "2025_v2.0", cat.Version)
}

func TestValidateNumber(t *testing.T) {
	store, err := NewStore(BAS2025v1())
	require.NoError(t, err)
	cat, err := store.Get("2025_v1.0")
	require.NoError(t, err)

	require.NoError(t, store.ValidateNumber(cat, "1930", "SE"))
	require.True(t, shared.IsTag(store.ValidateNumber(cat, "4711", "SE"), shared.TagUnknownAccount))
	require.True(t, shared.IsTag(store.ValidateNumber(cat, "1930", "NO"), shared.TagUnknownAccount))
}

func TestResolveTag(t *testing.T) {
	store, err := NewStore(BAS2025v1())
	require.NoError(t, err)
	cat, err := store.Get("2025_v1.0")
	require.NoError(t, err)

	number, ok := cat.ResolveTag("rounding")
	require.True(t, ok)
	require.Equal(t, "3740", number)
	_, ok = cat.ResolveTag("escrow")
	require.False(t, ok)
}
