package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func testAsset() Asset {
	return Asset{
		Symbol:         "BTCUSDT",
		AssetType:      "SPOT",
		ExchangeID:     "binance",
		MinQuantity:    decimal.RequireFromString("0.001"),
		MaxQuantity:    decimal.RequireFromString("100"),
		StepSize:       decimal.RequireFromString("0.001"),
		PricePrecision: 2,
		QuotePrecision: 8,
	}
}

func TestEnsureValidQuantity(t *testing.T) {
	a := testAsset()

	tests := []struct {
		name    string
		desired string
		want    string
	}{
		{"valid quantity unchanged", "0.5", "0.5"},
		{"truncates down to step", "0.0015", "0.001"},
		{"never rounds up", "0.0019", "0.001"},
		{"below min clamps to min", "0.0001", "0.001"},
		{"above max clamps to max", "500", "100"},
		{"exact min", "0.001", "0.001"},
		{"exact max", "100", "100"},
		{"zero stays zero", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.EnsureValidQuantity(decimal.RequireFromString(tt.desired))
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("EnsureValidQuantity(%s) = %s, want %s", tt.desired, got, tt.want)
			}
		})
	}
}

func TestEnsureValidQuantityNonDecimalStep(t *testing.T) {
	a := Asset{
		Symbol:      "ODDUSDT",
		MinQuantity: decimal.RequireFromString("0.05"),
		MaxQuantity: decimal.RequireFromString("1000"),
		StepSize:    decimal.RequireFromString("0.05"),
	}

	got := a.EnsureValidQuantity(decimal.RequireFromString("0.37"))
	want := decimal.RequireFromString("0.35")
	if !got.Equal(want) {
		t.Errorf("EnsureValidQuantity(0.37) = %s, want %s", got, want)
	}

	// Result must be an exact multiple of the step.
	if !got.Mod(a.StepSize).IsZero() {
		t.Errorf("result %s is not a multiple of step %s", got, a.StepSize)
	}
}

func TestEnsureValidQuantityNearStepBoundary(t *testing.T) {
	a := Asset{
		Symbol:      "BTCUSDT",
		MinQuantity: decimal.RequireFromString("0.1"),
		MaxQuantity: decimal.RequireFromString("1000"),
		StepSize:    decimal.RequireFromString("0.1"),
	}

	// Just under a step boundary, at more digits than the default division
	// precision. Truncation must land on the lower multiple.
	desired := decimal.RequireFromString("0.29999999999999999999")
	got := a.EnsureValidQuantity(desired)
	want := decimal.RequireFromString("0.2")
	if !got.Equal(want) {
		t.Errorf("EnsureValidQuantity(%s) = %s, want %s", desired, got, want)
	}
	if got.GreaterThan(desired) {
		t.Errorf("result %s exceeds the desired quantity %s", got, desired)
	}
}

func TestEnsureValidQuantityIdempotent(t *testing.T) {
	a := testAsset()

	for _, desired := range []string{"0.0015", "0.5", "500", "0.0001", "1.2345"} {
		once := a.EnsureValidQuantity(decimal.RequireFromString(desired))
		twice := a.EnsureValidQuantity(once)
		if !once.Equal(twice) {
			t.Errorf("not idempotent for %s: first %s, second %s", desired, once, twice)
		}
	}
}

func TestQuantityPrecision(t *testing.T) {
	tests := []struct {
		step string
		want int32
	}{
		{"1", 0},
		{"0.1", 1},
		{"0.001", 3},
		{"0.00000001", 8},
	}

	for _, tt := range tests {
		a := Asset{StepSize: decimal.RequireFromString(tt.step)}
		if got := a.QuantityPrecision(); got != tt.want {
			t.Errorf("QuantityPrecision(step=%s) = %d, want %d", tt.step, got, tt.want)
		}
	}
}

func TestFormatQuantity(t *testing.T) {
	a := testAsset()
	got := a.FormatQuantity(decimal.RequireFromString("0.5"))
	if got != "0.500" {
		t.Errorf("FormatQuantity(0.5) = %q, want %q", got, "0.500")
	}
}

func FuzzEnsureValidQuantity(f *testing.F) {
	f.Add("0.5")
	f.Add("0.0015")
	f.Add("99999")
	f.Add("-3")

	a := testAsset()

	f.Fuzz(func(t *testing.T, raw string) {
		desired, err := decimal.NewFromString(raw)
		if err != nil {
			t.Skip()
		}

		got := a.EnsureValidQuantity(desired)

		if got.IsNegative() {
			t.Fatalf("negative result %s for input %s", got, desired)
		}
		if !got.IsZero() {
			if got.LessThan(a.MinQuantity) || got.GreaterThan(a.MaxQuantity) {
				t.Fatalf("result %s outside [%s, %s]", got, a.MinQuantity, a.MaxQuantity)
			}
			if !got.Mod(a.StepSize).IsZero() {
				t.Fatalf("result %s not a multiple of step %s", got, a.StepSize)
			}
		}
		if again := a.EnsureValidQuantity(got); !again.Equal(got) {
			t.Fatalf("not idempotent: %s -> %s", got, again)
		}
	})
}
