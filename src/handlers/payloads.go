package handlers

import "github.com/orchestra-mcp/realtime/src/types"

type audioCommitted struct {
	ItemID string `json:"item_id"`
	Bytes  int    `json:"bytes"`
}

type audioTranscribed struct {
	ItemID     string   `json:"item_id"`
	Transcript string   `json:"transcript"`
	Segments   []string `json:"segments"`
}

type itemCreated struct {
	PreviousItemID string                 `json:"previous_item_id,omitempty"`
	Item           types.ConversationItem `json:"item"`
}

type itemTruncated struct {
	BeforeID string `json:"before_id"`
	Removed  int    `json:"removed"`
}

type itemDeleted struct {
	ItemID string `json:"item_id"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responseInfo struct {
	ID     string                   `json:"id"`
	Object string                   `json:"object"`
	Status string                   `json:"status"`
	Output []types.ConversationItem `json:"output,omitempty"`
	Usage  *responseUsage           `json:"usage,omitempty"`
}

type responseEnvelope struct {
	Response responseInfo `json:"response"`
}

type contentPartAdded struct {
	ResponseID string            `json:"response_id"`
	ItemID     string            `json:"item_id"`
	Part       types.ContentPart `json:"part"`
}

type functionCallDone struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
}

type speechGenerated struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	FilePath   string `json:"file_path"`
	CacheKey   string `json:"cache_key"`
	Cached     bool   `json:"cached"`
}

type rateLimitsUpdated struct {
	RateLimits []types.RateLimitCounter `json:"rate_limits"`
}
