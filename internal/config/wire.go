package config

import "github.com/google/wire"

// ProviderSet provides the loaded configuration to the rest of the graph.
var ProviderSet = wire.NewSet(Load)
