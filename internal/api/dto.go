package api

// LabelCount is the share of a segmentation covered by one class.
type LabelCount struct {
	ID       int     `json:"id"`
	Label    string  `json:"label"`
	Pixels   int     `json:"pixels"`
	Fraction float64 `json:"fraction"`
	Color    string  `json:"color,omitempty"`
}

type SegmentationResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Width   int          `json:"width"`
	Height  int          `json:"height"`
	Labels  []LabelCount `json:"labels"`
	MaskURL string       `json:"mask_url"`
}

type ClassScore struct {
	ID    int     `json:"id"`
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

type ClassificationResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Classes []ClassScore `json:"classes"`
}

type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type LabelEntry struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
	Color string `json:"color"`
}

type LabelTable struct {
	Object  string       `json:"object"`
	Dataset string       `json:"dataset"`
	Labels  []LabelEntry `json:"labels"`
}
