package models

// Upstream model identifiers that carry a per-account usage counter.
const (
	ModelJimeng40      = "jimeng-4.0"
	ModelJimeng41      = "jimeng-4.1"
	ModelNanobanana    = "nanobanana"
	ModelNanobananaPro = "nanobananapro"
	ModelVideo30       = "video-3.0"
)

// ModelUnknown is used when the request body names no model.
const ModelUnknown = "unknown"

// knownModelColumns maps a model identifier to its usage counter column.
var knownModelColumns = map[string]string{
	ModelJimeng40:      "jimeng_4_0_count",
	ModelJimeng41:      "jimeng_4_1_count",
	ModelNanobanana:    "nanobanana_count",
	ModelNanobananaPro: "nanobananapro_count",
	ModelVideo30:       "video_3_0_count",
}

// KnownModels lists the counted models in a stable order.
var KnownModels = []string{
	ModelJimeng40,
	ModelJimeng41,
	ModelNanobanana,
	ModelNanobananaPro,
	ModelVideo30,
}

// UsageColumn returns the counter column for model, if it is counted.
func UsageColumn(model string) (string, bool) {
	column, ok := knownModelColumns[model]
	return column, ok
}

// UsageColumns returns every per-model counter column.
func UsageColumns() []string {
	out := make([]string, 0, len(KnownModels))
	for _, model := range KnownModels {
		out = append(out, knownModelColumns[model])
	}
	return out
}
