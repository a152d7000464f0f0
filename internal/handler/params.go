package handler

type PipelineParams struct {
	PipelineID  int64   `param:"pipeline_id" json:"pipeline_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Definition  string  `json:"definition"`
	Schedule    *string `json:"schedule"`
}

type RunParams struct {
	PipelineID int64  `param:"pipeline_id"`
	RunID      string `param:"run_id"`
}

type ListRunsParams struct {
	PipelineID int64 `param:"pipeline_id"`
	Limit      int64 `query:"limit"`
}
