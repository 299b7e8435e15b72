package engine

const (
	spanSubmit       = "engine.submit_outcomes"
	spanDueItems     = "engine.get_due_items"
	spanRebuild      = "engine.rebuild_season_cache"
	spanRepair       = "engine.repair_degraded"
	spanCreateSeason = "engine.create_season"
)
