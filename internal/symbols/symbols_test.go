package symbols

import "testing"

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		venue     Venue
		canonical string
		dialect   string
	}{
		{OKX, "BTCUSDT", "BTC-USDT-SWAP"},
		{GateIO, "BTCUSDT", "BTC_USDT"},
		{BingX, "BTCUSDT", "BTC-USDT"},
		{OKX, "ETHUSDC", "ETH-USDC-SWAP"},
		{GateIO, "ETHUSDC", "ETH_USDC"},
		{BingX, "ETHUSDC", "ETH-USDC"},
	}
	for _, c := range cases {
		tr := For(c.venue)
		got := tr.ToVenue(c.canonical)
		if got != c.dialect {
			t.Errorf("%s.ToVenue(%s) = %s, want %s", c.venue, c.canonical, got, c.dialect)
		}
		back, err := tr.ToCanonical(got)
		if err != nil {
			t.Fatalf("%s.ToCanonical(%s): %v", c.venue, got, err)
		}
		if back != c.canonical {
			t.Errorf("%s.ToCanonical(%s) = %s, want %s", c.venue, got, back, c.canonical)
		}
	}
}

func TestCanonicalizeSynonyms(t *testing.T) {
	cases := map[string]string{
		"wbtc":     "BTC",
		"WETH":     "ETH",
		"1000PEPE": "PEPE",
		"sol":      "SOL",
	}
	for in, want := range cases {
		if got := Canonicalize(in); got != want {
			t.Errorf("Canonicalize(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestOKXToCanonicalRejectsMalformed(t *testing.T) {
	if _, err := For(OKX).ToCanonical("BTCUSDT"); err == nil {
		t.Error("expected error for symbol missing separators")
	}
}
