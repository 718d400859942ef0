package tasks

// Task Types
const (
	TypeRunExtraction = "extraction:run"
)

// RunExtractionPayload 抽取任务载荷，任务详情从数据库读取
type RunExtractionPayload struct {
	JobID    string `json:"job_id"`
	TenantID string `json:"tenant_id"`
}
