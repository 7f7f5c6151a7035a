package catalog

import _ "embed"

// defaultCatalogYAML is the pricing table compiled into the binary. It is
// the fallback when no CATALOG_PATH is configured; deployments that ship
// revised pricing point the process at a file and hot-reload it.
//
//go:embed catalog.yaml
var defaultCatalogYAML []byte
