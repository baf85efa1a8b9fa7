package dto

// CreateJobRequest 创建任务请求。file_names 以角色为键（primary/reference），
// 也接受 resume/jd 作为别名；缺省使用 resume.pdf / jd.pdf
type CreateJobRequest struct {
	FileNames map[string]string `json:"file_names" binding:"omitempty,dive,max=255"`
}

// UploadHandle 单个文档的上传凭证
type UploadHandle struct {
	Role       string            `json:"role"`
	FileName   string            `json:"file_name"`
	StorageKey string            `json:"storage_key"`
	UploadURL  string            `json:"upload_url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	ExpiresAt  string            `json:"expires_at"`
}

// CreateJobResponse 创建任务响应
type CreateJobResponse struct {
	JobID     string                   `json:"job_id"`
	Bucket    string                   `json:"bucket"`
	Status    string                   `json:"status"`
	Uploads   map[string]*UploadHandle `json:"uploads"`
	CreatedAt string                   `json:"created_at"`
}

type DocumentInfo struct {
	Role       string `json:"role"`
	FileName   string `json:"file_name"`
	StorageKey string `json:"storage_key"`
}

type JobError struct {
	Stage  string `json:"stage"`
	Cause  string `json:"cause"`
	Detail string `json:"detail,omitempty"`
}

// Analysis 评分结果
type Analysis struct {
	FitScore      int      `json:"fit_score"`
	MissingSkills []string `json:"missing_skills"`
	Suggestions   []string `json:"suggestions"`
	ATSTips       []string `json:"ats_tips,omitempty"`
}

// JobResponse 任务状态及结果
type JobResponse struct {
	JobID          string            `json:"job_id"`
	Status         string            `json:"status"`
	Progress       int               `json:"progress"`
	Message        string            `json:"message,omitempty"`
	Documents      []DocumentInfo    `json:"documents"`
	ExternalJobIDs map[string]string `json:"external_job_ids,omitempty"`
	ResultRef      string            `json:"result_ref,omitempty"`
	Analysis       *Analysis         `json:"analysis,omitempty"`
	Error          *JobError         `json:"error,omitempty"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
	CompletedAt    string            `json:"completed_at,omitempty"`
}

// GetJobQuery 查询参数，wait 为长轮询时长，例如 30s
type GetJobQuery struct {
	Wait string `form:"wait"`
}
