package migration

import (
	"log/slog"
	"testing"
	"time"

	"github.com/autoledger/autoledger/internal/catalog"
	"github.com/autoledger/autoledger/internal/policy"
)

func testPolicyStore(t *testing.T, catalogs *catalog.Store) *policy.Store {
	t.Helper()
	return policy.NewStore(slog.Default(), catalogs, policy.Builtin()...)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
