package kafkax

import "strings"

// SplitBrokers parses a comma separated KAFKA_BROKERS value, ignoring blanks.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
