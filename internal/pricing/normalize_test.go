package pricing

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParsePriceLocales(t *testing.T) {
	cases := []struct {
		in       string
		amount   string
		currency string
	}{
		{"1.234,56 €", "1234.56", "EUR"},
		{"$1,234.56", "1234.56", "USD"},
		{"12,34", "12.34", ""},
		{"£19.99", "19.99", "GBP"},
		{"1 234,56 €", "1234.56", "EUR"},
		{"€ 49,90 IVA incl.", "49.90", "EUR"},
		{"29,99 € TTC", "29.99", "EUR"},
		{"CHF 1'299.00", "1299.00", "CHF"},
		{"1,234,567", "1234567", ""},
		{"1234.56", "1234.56", ""},
		{"19,99 € zzgl. Versand", "19.99", "EUR"},
		{"12,50 € Lieferung ca.", "12.50", "EUR"},
		{"-5,00 €", "5.00", "EUR"},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			amount, currency := ParsePrice(tc.in)
			require.True(t, amount.Valid, "amount should parse")
			require.True(t, amount.Decimal.Equal(decimal.RequireFromString(tc.amount)), "got %s", amount.Decimal)
			require.Equal(t, tc.currency, currency)
		})
	}
}

func TestParsePriceIdempotentOnCanonicalForm(t *testing.T) {
	for _, in := range []string{"1.234,56 €", "$1,234.56", "12,34", "0,99 €"} {
		amount, _ := ParsePrice(in)
		require.True(t, amount.Valid)

		again, _ := ParsePrice(amount.Decimal.StringFixed(2))
		require.True(t, again.Valid)
		require.True(t, again.Decimal.Equal(amount.Decimal))
	}
}

func TestParsePriceUnparseable(t *testing.T) {
	amount, currency := ParsePrice("Currently unavailable €")
	require.False(t, amount.Valid)
	require.Equal(t, "EUR", currency)

	amount, currency = ParsePrice("")
	require.False(t, amount.Valid)
	require.Empty(t, currency)

	amount, _ = ParsePrice("1.2.3")
	require.False(t, amount.Valid)
}

func TestFormatPrice(t *testing.T) {
	require.Equal(t, "€12.30", FormatPrice(decimal.RequireFromString("12.3"), "EUR"))
	require.Equal(t, "$5.00", FormatPrice(decimal.NewFromInt(5), "usd"))
	require.Equal(t, "10.00 CHF", FormatPrice(decimal.NewFromInt(10), "CHF"))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", Truncate("short", 10))
	require.Equal(t, "abcd…", Truncate("abcdefgh", 5))
	require.Equal(t, "Café…", Truncate("Café crème", 5))
	require.Equal(t, 40, utf8.RuneCountInString(Truncate(strings.Repeat("я", 100), 40)))
	require.Empty(t, Truncate("abc", 0))
}
