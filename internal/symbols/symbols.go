package symbols

import "strings"

// Normalize converts a configured symbol to exchange form: uppercase with no
// separators, XBT mapped to BTC.
// Examples:
//
//	btc-usdt  -> BTCUSDT
//	XBT/USDT  -> BTCUSDT
//	eth_usdc  -> ETHUSDC
func Normalize(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.NewReplacer("-", "", "/", "", "_", "").Replace(sym)
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	return sym
}

// FromStream extracts the symbol of a stream name such as
// "btcusdt@bookTicker". Market-wide streams like "!bookTicker" return "".
func FromStream(stream string) string {
	name, _, _ := strings.Cut(stream, "@")
	if name == "" || strings.HasPrefix(name, "!") {
		return ""
	}
	return Normalize(name)
}

// FromStreams returns the distinct symbols of streams in order of first
// appearance. Any market-wide stream makes the result nil.
func FromStreams(streams []string) []string {
	seen := make(map[string]struct{}, len(streams))
	var out []string
	for _, s := range streams {
		sym := FromStream(s)
		if sym == "" {
			return nil
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}
