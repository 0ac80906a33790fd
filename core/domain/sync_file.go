package domain

import "time"

// =============================================================================
// Cloud / local files
// =============================================================================

// StorageFile is the normalized listing entry for a drive or local file.
// Content is fetched separately; listings stay cheap.
type StorageFile struct {
	UserID   string   `json:"user_id"`
	Provider Provider `json:"provider"`

	FileID   string    `json:"file_id"`
	Name     string    `json:"name"`
	MimeType string    `json:"mime_type"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`

	// FolderID is the parent container when the provider reports one.
	FolderID string `json:"folder_id,omitempty"`

	// WebLink points back to the provider UI when available.
	WebLink string `json:"web_link,omitempty"`

	// IsFolder marks container entries in mixed listings.
	IsFolder bool `json:"is_folder,omitempty"`

	// RelPath is set for local files: the path relative to the user's
	// storage root, forward slashes.
	RelPath string `json:"rel_path,omitempty"`
}

// FileContent is the realized content of one file. Native cloud formats
// (Docs/Sheets/Slides) arrive exported; MimeType and Extension describe
// the exported form, not the original.
type FileContent struct {
	FileID    string `json:"file_id"`
	Data      []byte `json:"-"`
	MimeType  string `json:"mime_type"`
	Extension string `json:"extension"`

	// Exported is true when the provider converted a native format.
	Exported bool `json:"exported,omitempty"`
}

// StorageFolder is one container from ListFolders.
type StorageFolder struct {
	FolderID string `json:"folder_id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

// DocID derives the identity hash for the file given its realized
// content head.
func (f *StorageFile) DocID(content []byte) string {
	return FileDocID(f.FileID, f.Name, f.Modified, f.MimeType, content)
}

// Path builds the canonical registry path for the file. Local files use
// their relative path, cloud files their remote id plus name.
func (f *StorageFile) Path() string {
	if f.Provider == ProviderLocalFS {
		return LocalPath(f.UserID, f.RelPath)
	}
	return FilePath(f.Provider, f.UserID, f.FileID, f.Name)
}
