package http

// Route names, shared by the server (to attach handlers) and the
// client (to construct URLs).
const (
	Ping    = "Ping"
	Version = "Version"
	Notify  = "Notify"

	Deploy    = "Deploy"
	JobStatus = "JobStatus"

	ListRuns = "ListRuns"
	GetRun   = "GetRun"

	TargetStatus = "TargetStatus"
	Scale        = "Scale"

	ListArtifacts = "ListArtifacts"
	PushArtifact  = "PushArtifact"
	PullArtifact  = "PullArtifact"
)
