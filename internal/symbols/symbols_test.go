package symbols

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTCUSDT", "BTCUSDT"},
		{"btcusdt", "BTCUSDT"},
		{"BTC-USDT", "BTCUSDT"},
		{"XBT/USDT", "BTCUSDT"},
		{" eth_usdc ", "ETHUSDC"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q)=%q want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromStreams(t *testing.T) {
	got := FromStreams([]string{"btcusdt@bookTicker", "btcusdt@trade", "ethusdt@trade"})
	if want := []string{"BTCUSDT", "ETHUSDT"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("FromStreams=%v want %v", got, want)
	}
	if got := FromStreams([]string{"btcusdt@trade", "!bookTicker"}); got != nil {
		t.Fatalf("market-wide stream should disable the filter, got %v", got)
	}
	if got := FromStream("@trade"); got != "" {
		t.Fatalf("empty symbol: %q", got)
	}
}
