package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// BAS2025v1 is the Swedish BAS chart in force 2025-01-01..2025-06-30.
func BAS2025v1() Catalog {
	to := day(2025, 6, 30)
	return Catalog{
		Version:       "2025_v1.0",
		Country:       "SE",
		EffectiveFrom: day(2025, 1, 1),
		EffectiveTo:   &to,
		Accounts:      basCommonAccounts(),
		Tags: map[string]string{
			"bank":     "1930",
			"rounding": "3740",
		},
	}
}

// BAS2025v2 is in force from 2025-07-01 and adds the digital
// representation and automation accounts.
func BAS2025v2() Catalog {
	accounts := basCommonAccounts()
	accounts = append(accounts,
		Account{Number: "6073", Name: "Representation, digital", Class: "60", Type: AccountTypeExpense, AllowedRegions: []string{"SE"}},
		Account{Number: "6542", Name: "AI och automatisering", Class: "65", Type: AccountTypeExpense, AllowedRegions: []string{"SE"}},
	)
	return Catalog{
		Version:       "2025_v2.0",
		Country:       "SE",
		EffectiveFrom: day(2025, 7, 1),
		Accounts:      accounts,
		Tags: map[string]string{
			"bank":     "1930",
			"rounding": "3740",
		},
	}
}

func vatHint(pct int64) *decimal.Decimal {
	d := decimal.NewFromInt(pct)
	return &d
}

func basCommonAccounts() []Account {
	se := []string{"SE"}
	return []Account{
		{Number: "1930", Name: "Kassa och bank", Class: "19", Type: AccountTypeAsset, AllowedRegions: se},
		{Number: "2614", Name: "Utgående moms omvänd skattskyldighet", Class: "26", Type: AccountTypeLiability, AllowedRegions: se},
		{Number: "2640", Name: "Ingående moms", Class: "26", Type: AccountTypeLiability, AllowedRegions: se},
		{Number: "2641", Name: "Moms på representation", Class: "26", Type: AccountTypeLiability, AllowedRegions: se},
		{Number: "2645", Name: "Beräknad ingående moms på förvärv från utlandet", Class: "26", Type: AccountTypeLiability, AllowedRegions: se},
		{Number: "3740", Name: "Öres- och kronutjämning", Class: "37", Type: AccountTypeIncome, AllowedRegions: se},
		{Number: "5810", Name: "Resekostnader", Class: "58", Type: AccountTypeExpense, DefaultVATRate: vatHint(6), AllowedRegions: se},
		{Number: "6071", Name: "Representation, avdragsgill", Class: "60", Type: AccountTypeExpense, DefaultVATRate: vatHint(12), AllowedRegions: se},
		{Number: "6072", Name: "Representation, ej avdragsgill", Class: "60", Type: AccountTypeExpense, AllowedRegions: se},
		{Number: "6540", Name: "IT-tjänster", Class: "65", Type: AccountTypeExpense, DefaultVATRate: vatHint(25), AllowedRegions: se},
		{Number: "6541", Name: "Programvaror och datatjänster", Class: "65", Type: AccountTypeExpense, AllowedRegions: se},
	}
}
