package models

// Resource kinds as they come from the course-page extractor.
const (
	KindFile   = "file"
	KindFolder = "folder"
)

// Resource describes one downloadable item found on a course page.
// ArchivePath is the slash-separated folder path (without the file name)
// the resource belongs under inside the output archive.
type Resource struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Kind        string `json:"kind"`
	FileType    string `json:"fileType,omitempty"`
	SizeHint    int64  `json:"sizeHint,omitempty"`
	ArchivePath string `json:"archivePath"`
}

// TrackingRecord remembers the last successful download of a resource,
// keyed by its normalized URL.
type TrackingRecord struct {
	NormalizedURL string `json:"normalizedUrl"`
	ContentHash   string `json:"contentHash"`
	LastSeen      int64  `json:"lastSeenUnixMillis"`
	FileName      string `json:"resolvedFileName"`
}

// BuildResult is the outcome of one archive build. Not persisted.
type BuildResult struct {
	ArchiveBytes []byte
	FailedURLs   []string
	SuccessCount int
	TotalCount   int
}

type BuildOptions struct {
	ArchiveName  string `json:"archiveName,omitempty"`
	ReturnBuffer bool   `json:"returnBuffer,omitempty"`
	SaveAs       bool   `json:"saveAs,omitempty"`
}

type BuildRequest struct {
	Resources []Resource   `json:"resources"`
	Options   BuildOptions `json:"options"`
}

// Progress phases pushed to clients while a build runs.
const (
	PhaseFetch    = "fetch"
	PhaseZip      = "zip"
	PhaseDownload = "download"
)

type Progress struct {
	Phase    string `json:"phase"`
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	FileName string `json:"fileName,omitempty"`
}

// Save modes for the user's download preference.
const (
	SaveModeDownloads = "downloads"
	SaveModeDirectory = "directory"
)

type SaveSettings struct {
	Mode   string `json:"mode"`
	SaveAs bool   `json:"saveAs"`
}
