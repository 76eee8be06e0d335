package model

// Block is a fixed pickup or destination point. Blocks are reference data
// owned by the location service and never mutated by the engine.
type Block struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}
