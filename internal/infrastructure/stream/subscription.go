package stream

import (
	"fmt"
	"strings"

	"github.com/colefreeman/cole-ws/internal/domain/exception"
)

// SubscriptionURL builds one combined-stream URL for every symbol, e.g.
// wss://fstream.binance.com/stream?streams=btcusdt@trade/ethusdt@trade.
// Symbols are lower-cased and de-duplicated, keeping their first position.
func SubscriptionURL(endpoint string, symbols []string, channelSuffix string) (string, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return "", fmt.Errorf("%w: stream endpoint is empty", exception.ErrConfiguration)
	}
	channelSuffix = strings.TrimSpace(channelSuffix)
	if channelSuffix == "" {
		return "", fmt.Errorf("%w: channel suffix is empty", exception.ErrConfiguration)
	}

	seen := make(map[string]struct{}, len(symbols))
	streams := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToLower(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		streams = append(streams, symbol+"@"+channelSuffix)
	}
	if len(streams) == 0 {
		return "", fmt.Errorf("%w: symbol set is empty", exception.ErrConfiguration)
	}
	return endpoint + "/stream?streams=" + strings.Join(streams, "/"), nil
}
