package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autoledger/autoledger/internal/shared"
)

func TestDocumentRoundTrip(t *testing.T) {
	for _, p := range Builtin() {
		doc, err := p.Document()
		require.NoError(t, err)
		parsed, err := ParseDocument(doc)
		require.NoError(t, err)
		require.Equal(t, p.ID, parsed.ID)
		require.Equal(t, p.CatalogVersion, parsed.CatalogVersion)
		require.True(t, p.EffectiveFrom.Equal(parsed.EffectiveFrom))
		require.Equal(t, len(p.Rules.Posting), len(parsed.Rules.Posting))
	}
}

func TestParseDocumentRejectsUnknownFields(t *testing.T) {
	doc, err := ReprMealSE().Document()
	require.NoError(t, err)
	tampered := append([]byte(`{"surprise":true,`), doc[1:]...)
	_, err = ParseDocument(tampered)
	require.True(t, shared.IsTag(err, shared.TagPolicyInvalid))
}

func TestCheckDocumentRejectsBadOp(t *testing.T) {
	p := ReprMealSE()
	p.Rules.Requires[0].Op = "~="
	require.True(t, shared.IsTag(CheckDocument(p), shared.TagPolicyInvalid))
}

func TestCheckDocumentRejectsUnknownAmount(t *testing.T) {
	p := ReprMealSE()
	p.Rules.Posting[0].Amount = "half_gross"
	require.True(t, shared.IsTag(CheckDocument(p), shared.TagPolicyInvalid))
}

func TestCheckDocumentRejectsAccountAndRef(t *testing.T) {
	p := ReprMealSE()
	p.Rules.Posting[0].AccountRef = "bank"
	require.True(t, shared.IsTag(CheckDocument(p), shared.TagPolicyInvalid))
}

func TestCheckDocumentRejectsRateOutOfRange(t *testing.T) {
	p := ReprMealSE()
	p.Rules.VAT.Rate = dec("250")
	require.True(t, shared.IsTag(CheckDocument(p), shared.TagPolicyInvalid))
}
