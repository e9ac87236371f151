package http

type SessionAdd struct {
	Source    string `json:"source" binding:"required"`
	TargetDir string `json:"targetDir"`
}

type SessionAdded struct {
	ID string `json:"id"`
}

type Error struct {
	Error string `json:"error"`
}

// Limits payload in Mbit/s, 0 means unlimited
type limitsPayload struct {
	DownloadMbit float64 `json:"downloadMbit"`
	UploadMbit   float64 `json:"uploadMbit"`
}
