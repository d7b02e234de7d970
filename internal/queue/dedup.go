package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/stayreel/renderpipe/internal/models"
)

// ComputeDedupKey builds the stable hash that identifies equivalent
// submissions: template id + sorted asset source identifiers + template
// variables. Asset order and variable map iteration order do not affect
// the key (encoding/json emits map keys sorted).
func ComputeDedupKey(templateID uuid.UUID, assets []models.AssetInput, variables models.JSONB) string {
	sources := make([]string, len(assets))
	for i, a := range assets {
		sources[i] = a.ImageURL
	}
	sort.Strings(sources)

	varsJSON, _ := json.Marshal(variables)

	h := sha256.New()
	fmt.Fprintf(h, "%s\n", templateID)
	for _, s := range sources {
		fmt.Fprintf(h, "%s\n", s)
	}
	h.Write(varsJSON)

	return hex.EncodeToString(h.Sum(nil))
}
