package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/relaycore/relaycore/internal/providers"
)

const (
	temperatureBucket = 0.1
	maxTokensBucket   = 256
)

// Fingerprint derives a deterministic cache key from the parts of a request
// that influence the response. Temperature and max_tokens are bucketed so
// near-identical requests share an entry.
func Fingerprint(req *providers.ChatRequest, versionTag string) string {
	h := sha256.New()

	fmt.Fprintf(h, "v=%s\n", versionTag)
	fmt.Fprintf(h, "model=%s\n", req.Model)
	fmt.Fprintf(h, "temp=%.1f\n", bucketTemperature(req.Temperature))
	fmt.Fprintf(h, "max_tokens=%d\n", bucketMaxTokens(req.MaxTokens))
	if req.SystemPrompt != "" {
		fmt.Fprintf(h, "system=%s\n", normalize(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		fmt.Fprintf(h, "msg=%s:%s\n", m.Role, normalize(contentText(m.Content)))
	}

	return "relaycore:cache:" + hex.EncodeToString(h.Sum(nil))
}

func bucketTemperature(t *float32) float64 {
	if t == nil || *t < 0 {
		return 0
	}
	return math.Round(float64(*t)/temperatureBucket) * temperatureBucket
}

func bucketMaxTokens(n *int) int {
	if n == nil || *n <= 0 {
		return 0
	}
	return ((*n + maxTokensBucket - 1) / maxTokensBucket) * maxTokensBucket
}

func contentText(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
