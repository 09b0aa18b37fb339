package models

// MAllocationSide maps a category name to its market value.
type MAllocationSide struct {
	Long  map[string]float64 `json:"long"`
	Short map[string]float64 `json:"short"`
}

// MAllocation is the /portfolio/{id}/allocation payload.
type MAllocation struct {
	AssetClass MAllocationSide `json:"assetClass"`
	Sector     MAllocationSide `json:"sector"`
	Group      MAllocationSide `json:"group"`
}
