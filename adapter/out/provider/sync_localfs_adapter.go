package provider

import (
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/logger"
)

// =============================================================================
// Local Filesystem Adapter
// =============================================================================

// LocalFSAdapter implements out.DriveProvider over the user's local
// storage directory. File ids are storage-root-relative paths with
// forward slashes; mbox archives belong to the mbox adapter and are
// skipped here.
type LocalFSAdapter struct {
	root       string
	userID     string
	contentMax int64
	log        *logger.Logger
}

// NewLocalFSAdapter creates an adapter over the user's storage root.
func NewLocalFSAdapter(storageRoot, userID string, contentMax int64) *LocalFSAdapter {
	return &LocalFSAdapter{
		root:       userStorageDir(storageRoot, userID),
		userID:     userID,
		contentMax: contentMax,
		log:        logger.WithField("component", "localfs_adapter").WithUser(userID),
	}
}

// ProviderType returns the provider type.
func (a *LocalFSAdapter) ProviderType() domain.Provider {
	return domain.ProviderLocalFS
}

// Authenticate reports whether the user has a storage directory.
func (a *LocalFSAdapter) Authenticate(ctx context.Context) (bool, error) {
	info, err := os.Stat(a.root)
	if err != nil {
		return false, nil
	}
	return info.IsDir(), nil
}

// ListFiles walks the storage tree. Query matches as a case-insensitive
// substring of the filename; FolderID scopes to a subdirectory.
func (a *LocalFSAdapter) ListFiles(ctx context.Context, opts *out.ListFilesOptions) ([]*domain.StorageFile, error) {
	if opts == nil {
		opts = &out.ListFilesOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = driveDefaultListLimit
	}

	start := a.root
	if opts.FolderID != "" {
		resolved, err := a.resolve(opts.FolderID)
		if err != nil {
			return nil, err
		}
		start = resolved
	}

	var files []*domain.StorageFile
	err := filepath.WalkDir(start, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != start {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.EqualFold(filepath.Ext(name), ".mbox") {
			return nil
		}
		if opts.Query != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(opts.Query)) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !opts.MinDate.IsZero() && info.ModTime().Before(opts.MinDate) {
			return nil
		}

		files = append(files, &domain.StorageFile{
			UserID:   a.userID,
			Provider: domain.ProviderLocalFS,
			FileID:   a.relPath(path),
			Name:     name,
			MimeType: mime.TypeByExtension(filepath.Ext(name)),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
			RelPath:  a.relPath(path),
		})
		if len(files) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, out.NewProviderError(a.ProviderType(), out.ProviderErrStorage, "failed to walk storage root", err)
	}

	a.log.Debug("listed %d local files", len(files))
	return files, nil
}

// GetFileContent reads one file by its relative path, capped at
// contentMax.
func (a *LocalFSAdapter) GetFileContent(ctx context.Context, fileID string) (*domain.FileContent, error) {
	path, err := a.resolve(fileID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, out.NewProviderError(a.ProviderType(), out.ProviderErrNotFound, "file not found", err)
		}
		return nil, out.NewProviderError(a.ProviderType(), out.ProviderErrStorage, "failed to open file", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, a.contentMax+1))
	if err != nil {
		return nil, out.NewProviderError(a.ProviderType(), out.ProviderErrStorage, "failed to read file", err)
	}
	if int64(len(data)) > a.contentMax {
		a.log.Warn("content of %s truncated at %d bytes", fileID, a.contentMax)
		data = data[:a.contentMax]
	}

	return &domain.FileContent{
		FileID:    fileID,
		Data:      data,
		MimeType:  mime.TypeByExtension(filepath.Ext(path)),
		Extension: fileExtension(path),
	}, nil
}

// ListFolders lists the subdirectories of the storage root.
func (a *LocalFSAdapter) ListFolders(ctx context.Context) ([]*domain.StorageFolder, error) {
	var folders []*domain.StorageFolder
	err := filepath.WalkDir(a.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == a.root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		rel := a.relPath(path)
		folder := &domain.StorageFolder{FolderID: rel, Name: d.Name()}
		if parent := filepath.Dir(rel); parent != "." {
			folder.ParentID = parent
		}
		folders = append(folders, folder)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, out.NewProviderError(a.ProviderType(), out.ProviderErrStorage, "failed to walk storage root", err)
	}
	return folders, nil
}

// resolve joins a relative id onto the root, refusing anything that
// escapes it.
func (a *LocalFSAdapter) resolve(fileID string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(fileID))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", out.NewProviderError(a.ProviderType(), out.ProviderErrInvalidArgument, "path escapes storage root", nil)
	}
	return filepath.Join(a.root, cleaned), nil
}

func (a *LocalFSAdapter) relPath(path string) string {
	rel, err := filepath.Rel(a.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Interface compliance check
var _ out.DriveProvider = (*LocalFSAdapter)(nil)
