package ir

// Version constants for the data model and node.
const (
	// ModelVersion is the canonical data model version embedded in hash domains.
	ModelVersion = "1"

	// NodeVersion is the dhtcore node version.
	NodeVersion = "0.1.0"
)
