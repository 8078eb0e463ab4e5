package domain

// DuplicateAssignment is the dedup verdict for one record. An empty DuplicateOf marks a canonical
// or unclustered record.
type DuplicateAssignment struct {
	ID          string `json:"id"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
	Incomplete  bool   `json:"incomplete,omitempty"`
}

// DuplicatePair links one duplicate to the canonical record of its cluster.
type DuplicatePair struct {
	CanonicalID string `json:"canonical_id"`
	DuplicateID string `json:"duplicate_id"`
}

// RunDuplicateReport summarises a dedup pass for downstream analysis.
type RunDuplicateReport struct {
	Records    int             `json:"records"`
	Clusters   int             `json:"clusters"`
	Duplicates int             `json:"duplicates"`
	Incomplete int             `json:"incomplete"`
	Pairs      []DuplicatePair `json:"pairs"`
}
