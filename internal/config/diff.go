package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true when the NPC name or preamble changed.
	PersonaChanged bool

	// LocationsChanged is true when the canonical location list changed,
	// including a change of order.
	LocationsChanged bool

	// PipelineChanged is true when any hot-reloadable pipeline switch
	// changed. PipelineFields names them in declaration order.
	PipelineChanged bool
	PipelineFields  []string

	// RestartRequired lists changed settings that only take effect after a
	// restart (providers, memory backend, listen address).
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.LocationsChanged || d.PipelineChanged
}

// Diff compares old and new configs and returns what changed.
// Both configs are expected to have defaults applied.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.PersonaChanged = old.Persona != new.Persona
	d.LocationsChanged = !slices.Equal(old.World.Locations, new.World.Locations)

	d.PipelineFields = diffPipeline(old.Pipeline, new.Pipeline)
	if old.History.FillRecent != new.History.FillRecent {
		d.PipelineFields = append(d.PipelineFields, "fill_recent")
	}
	d.PipelineChanged = len(d.PipelineFields) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !providerEqual(old.Providers.LLM, new.Providers.LLM) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if !providerEqual(old.Providers.Embeddings, new.Providers.Embeddings) {
		d.RestartRequired = append(d.RestartRequired, "providers.embeddings")
	}
	if !slices.EqualFunc(old.Providers.FallbackLLMs, new.Providers.FallbackLLMs, providerEqual) {
		d.RestartRequired = append(d.RestartRequired, "providers.fallback_llms")
	}
	if old.Providers.Failover != new.Providers.Failover {
		d.RestartRequired = append(d.RestartRequired, "providers.failover")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.History.Backend != new.History.Backend || old.History.RedisAddr != new.History.RedisAddr {
		d.RestartRequired = append(d.RestartRequired, "history.backend")
	}
	if old.Pipeline.MaxPromptTokens != new.Pipeline.MaxPromptTokens {
		d.RestartRequired = append(d.RestartRequired, "pipeline.max_prompt_tokens")
	}

	return d
}

func diffPipeline(old, new PipelineConfig) []string {
	var fields []string
	add := func(changed bool, name string) {
		if changed {
			fields = append(fields, name)
		}
	}
	add(old.DefaultRound != new.DefaultRound, "default_round")
	add(Bool(old.ImitateEnabled) != Bool(new.ImitateEnabled), "imitate_enabled")
	add(Bool(old.IncludeNearbyPlayers) != Bool(new.IncludeNearbyPlayers), "include_nearby_players")
	add(Bool(old.LocationFilterEnabled) != Bool(new.LocationFilterEnabled), "location_filter_enabled")
	add(old.PlayerK != new.PlayerK, "player_k")
	add(old.NPCK != new.NPCK, "npc_k")
	add(old.GenerationTimeout != new.GenerationTimeout, "generation_timeout")
	add(old.RetrievalFailure != new.RetrievalFailure, "retrieval_failure")
	add(floatValue(old.Temperature) != floatValue(new.Temperature), "temperature")
	return fields
}

func floatValue(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.Model == b.Model && a.BaseURL == b.BaseURL &&
		a.APIKey == b.APIKey && reflect.DeepEqual(a.Options, b.Options)
}
