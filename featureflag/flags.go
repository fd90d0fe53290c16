package featureflag

type Flag string

const (
	// Keeps every tile in memory once created.
	FlagDisableTileEviction Flag = "DISABLE_TILE_EVICTION"

	// Draws attachments only once their own raster is loaded instead of
	// stretching a coarser one in the meantime.
	FlagDisableImageryFallback Flag = "DISABLE_IMAGERY_FALLBACK"

	// Leaves terrain tiles failed after their first failed request.
	FlagDisableTerrainRetry Flag = "DISABLE_TERRAIN_RETRY"
)
